package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// InventoryCounterRepository reads and writes inventory_slot_counters.
// Writers use SwapCounter, an optimistic compare-and-swap on the version column.
type InventoryCounterRepository struct {
	db *database.DB
}

// NewInventoryCounterRepository creates a new InventoryCounterRepository.
func NewInventoryCounterRepository(db *database.DB) *InventoryCounterRepository {
	return &InventoryCounterRepository{db: db}
}

// GetCounter returns the counter for one (episode, placement type).
func (r *InventoryCounterRepository) GetCounter(ctx context.Context, key SlotKey) (*InventorySlotCounter, error) {
	query := `
		SELECT episode_id, placement_type, slots_total, available, reserved, booked,
		       unit_price, version, created_at, updated_at
		FROM inventory_slot_counters
		WHERE episode_id = $1 AND placement_type = $2
	`

	c, err := scanCounter(r.db.QueryRow(ctx, query, key.EpisodeID, string(key.PlacementType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("inventory_counter", key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get inventory counter")
	}
	return c, nil
}

// InsertCounter lazily creates a counter. A concurrent creator wins silently
// and false is returned.
func (r *InventoryCounterRepository) InsertCounter(ctx context.Context, c *InventorySlotCounter) (bool, error) {
	query := `
		INSERT INTO inventory_slot_counters
		    (episode_id, placement_type, slots_total, available, reserved, booked, unit_price, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (episode_id, placement_type) DO NOTHING
		RETURNING version, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		c.EpisodeID,
		string(c.PlacementType),
		c.SlotsTotal,
		c.Available,
		c.Reserved,
		c.Booked,
		c.UnitPrice,
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert inventory counter")
	}
	return true, nil
}

// SwapCounter writes the counts when the stored version still matches.
func (r *InventoryCounterRepository) SwapCounter(ctx context.Context, c *InventorySlotCounter) (bool, error) {
	query := `
		UPDATE inventory_slot_counters
		SET available  = $3,
		    reserved   = $4,
		    booked     = $5,
		    version    = version + 1,
		    updated_at = NOW()
		WHERE episode_id = $1 AND placement_type = $2 AND version = $6
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		c.EpisodeID,
		string(c.PlacementType),
		c.Available,
		c.Reserved,
		c.Booked,
		c.Version,
	).Scan(&c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update inventory counter")
	}
	return true, nil
}

// ListCounters returns every counter of an episode ordered by placement type.
func (r *InventoryCounterRepository) ListCounters(ctx context.Context, episodeID string) ([]*InventorySlotCounter, error) {
	query := `
		SELECT episode_id, placement_type, slots_total, available, reserved, booked,
		       unit_price, version, created_at, updated_at
		FROM inventory_slot_counters
		WHERE episode_id = $1
		ORDER BY placement_type
	`

	rows, err := r.db.Query(ctx, query, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list inventory counters")
	}
	defer rows.Close()

	var counters []*InventorySlotCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan inventory counter")
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounter(row rowScanner) (*InventorySlotCounter, error) {
	c := &InventorySlotCounter{}
	var placement string
	err := row.Scan(
		&c.EpisodeID,
		&placement,
		&c.SlotsTotal,
		&c.Available,
		&c.Reserved,
		&c.Booked,
		&c.UnitPrice,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.PlacementType = PlacementType(placement)
	return c, nil
}
