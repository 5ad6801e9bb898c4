package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/shopspring/decimal"
)

// CampaignApprovalRepository manages admin rate-card approvals. At most one
// approval per campaign may be pending; a partial unique index enforces it.
type CampaignApprovalRepository struct {
	db *database.DB
}

// NewCampaignApprovalRepository creates a new CampaignApprovalRepository.
func NewCampaignApprovalRepository(db *database.DB) *CampaignApprovalRepository {
	return &CampaignApprovalRepository{db: db}
}

// CreateApproval inserts a pending approval.
func (r *CampaignApprovalRepository) CreateApproval(ctx context.Context, a *CampaignApproval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `
		INSERT INTO campaign_approvals
		    (id, campaign_id, reservation_id, status, rate_deviation_pct,
		     requested_by, decided_by, decided_at, reason, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric,
		        $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		a.ID,
		a.CampaignID,
		a.ReservationID,
		string(a.Status),
		a.RateDeviationPct.String(),
		a.RequestedBy,
		a.DecidedBy,
		a.DecidedAt,
		a.Reason,
		a.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "campaign already has a pending approval: "+a.CampaignID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign approval")
	}
	return nil
}

// GetApproval retrieves an approval by its primary key.
func (r *CampaignApprovalRepository) GetApproval(ctx context.Context, id string) (*CampaignApproval, error) {
	query := `
		SELECT id, campaign_id, reservation_id, status, rate_deviation_pct::text,
		       requested_by, decided_by, decided_at, reason, created_at
		FROM campaign_approvals
		WHERE id = $1
	`

	a, err := scanApproval(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("campaign_approval", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign approval")
	}
	return a, nil
}

// GetPendingApproval returns the pending approval of a campaign.
// Returns nil when there is none.
func (r *CampaignApprovalRepository) GetPendingApproval(ctx context.Context, campaignID string) (*CampaignApproval, error) {
	query := `
		SELECT id, campaign_id, reservation_id, status, rate_deviation_pct::text,
		       requested_by, decided_by, decided_at, reason, created_at
		FROM campaign_approvals
		WHERE campaign_id = $1 AND status = 'pending'
	`

	a, err := scanApproval(r.db.QueryRow(ctx, query, campaignID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approval")
	}
	return a, nil
}

// DecideApproval records a decision on a pending approval.
func (r *CampaignApprovalRepository) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, reason *string, at time.Time) (bool, error) {
	query := `
		UPDATE campaign_approvals
		SET status     = $2,
		    decided_by = $3,
		    decided_at = $4,
		    reason     = $5
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, string(status), decidedBy, at, reason)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to decide campaign approval")
	}
	return tag.RowsAffected() == 1, nil
}

func scanApproval(row rowScanner) (*CampaignApproval, error) {
	a := &CampaignApproval{}
	var status, deviation string
	err := row.Scan(
		&a.ID,
		&a.CampaignID,
		&a.ReservationID,
		&status,
		&deviation,
		&a.RequestedBy,
		&a.DecidedBy,
		&a.DecidedAt,
		&a.Reason,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	if a.RateDeviationPct, err = decimal.NewFromString(deviation); err != nil {
		return nil, err
	}
	return a, nil
}
