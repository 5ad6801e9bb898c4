package repository

import (
	"context"

	"github.com/pesio-ai/be-ad-reservations/internal/database"
)

// PostgresStore bundles the pgx repositories behind the Store interface.
type PostgresStore struct {
	*InventoryCounterRepository
	*ReservationRepository
	*CampaignRepository
	*CampaignApprovalRepository
	*TalentApprovalRepository
	*RestrictionRepository
	*StatusHistoryRepository

	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires every repository onto one database handle.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		InventoryCounterRepository: NewInventoryCounterRepository(db),
		ReservationRepository:      NewReservationRepository(db),
		CampaignRepository:         NewCampaignRepository(db),
		CampaignApprovalRepository: NewCampaignApprovalRepository(db),
		TalentApprovalRepository:   NewTalentApprovalRepository(db),
		RestrictionRepository:      NewRestrictionRepository(db),
		StatusHistoryRepository:    NewStatusHistoryRepository(db),
		db:                         db,
	}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.InTransaction(ctx, fn)
}

func (s *PostgresStore) Retryable(err error) bool {
	return database.IsRetryable(err)
}
