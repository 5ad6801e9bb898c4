package sqlite

import (
	"context"
	"database/sql"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

const counterColumns = `episode_id, placement_type, slots_total, available, reserved, booked,
	unit_price, version, created_at, updated_at`

// GetCounter returns the counter for one (episode, placement type).
func (s *Store) GetCounter(ctx context.Context, key repository.SlotKey) (*repository.InventorySlotCounter, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
SELECT `+counterColumns+`
FROM inventory_slot_counters
WHERE episode_id = ? AND placement_type = ?
`, key.EpisodeID, string(key.PlacementType))

	c, err := scanCounter(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("inventory_counter", key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get inventory counter")
	}
	return c, nil
}

// InsertCounter creates a counter unless one already exists.
func (s *Store) InsertCounter(ctx context.Context, c *repository.InventorySlotCounter) (bool, error) {
	now := toMillis(c.CreatedAt)
	res, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO inventory_slot_counters (
	episode_id, placement_type, slots_total, available, reserved, booked,
	unit_price, version, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (episode_id, placement_type) DO NOTHING
`,
		c.EpisodeID,
		string(c.PlacementType),
		c.SlotsTotal,
		c.Available,
		c.Reserved,
		c.Booked,
		c.UnitPrice,
		now,
		now,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert inventory counter")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert inventory counter")
	}
	if n == 0 {
		return false, nil
	}
	c.Version = 1
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

// SwapCounter writes the counts when the stored version still matches.
func (s *Store) SwapCounter(ctx context.Context, c *repository.InventorySlotCounter) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE inventory_slot_counters
SET available = ?, reserved = ?, booked = ?, version = version + 1, updated_at = ?
WHERE episode_id = ? AND placement_type = ? AND version = ?
`,
		c.Available,
		c.Reserved,
		c.Booked,
		toMillis(c.UpdatedAt),
		c.EpisodeID,
		string(c.PlacementType),
		c.Version,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update inventory counter")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update inventory counter")
	}
	if n != 1 {
		return false, nil
	}
	c.Version++
	return true, nil
}

// ListCounters returns every counter of an episode.
func (s *Store) ListCounters(ctx context.Context, episodeID string) ([]*repository.InventorySlotCounter, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT `+counterColumns+`
FROM inventory_slot_counters
WHERE episode_id = ?
ORDER BY placement_type
`, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list inventory counters")
	}
	defer rows.Close()

	var out []*repository.InventorySlotCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan inventory counter")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounter(row rowScanner) (*repository.InventorySlotCounter, error) {
	c := &repository.InventorySlotCounter{}
	var placement string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&c.EpisodeID,
		&placement,
		&c.SlotsTotal,
		&c.Available,
		&c.Reserved,
		&c.Booked,
		&c.UnitPrice,
		&c.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	c.PlacementType = repository.PlacementType(placement)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}
