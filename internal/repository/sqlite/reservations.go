package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

const reservationColumns = `id, campaign_id, status, hold_duration_hours, expires_at, total_amount,
	priority, created_by, release_reason, created_at, updated_at`

// CreateReservation inserts the reservation header and its items.
func (s *Store) CreateReservation(ctx context.Context, res *repository.Reservation) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		res.UpdatedAt = res.CreatedAt

		_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO reservations (
	id, campaign_id, status, hold_duration_hours, expires_at, total_amount,
	priority, created_by, release_reason, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			res.ID,
			res.CampaignID,
			string(res.Status),
			res.HoldDurationHours,
			toMillis(res.ExpiresAt),
			res.TotalAmount,
			res.Priority,
			res.CreatedBy,
			nullString(res.ReleaseReason),
			toMillis(res.CreatedAt),
			toMillis(res.UpdatedAt),
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reservation")
		}

		for _, item := range res.Items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.ReservationID = res.ID
			item.UpdatedAt = res.CreatedAt

			_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO reservation_items (
	id, reservation_id, line_number, show_id, episode_id, placement_type,
	spot_count, unit_price, air_date, status, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
				item.ID,
				item.ReservationID,
				item.LineNumber,
				item.ShowID,
				item.EpisodeID,
				string(item.PlacementType),
				item.SpotCount,
				item.UnitPrice,
				toMillis(item.AirDate),
				string(item.Status),
				toMillis(item.UpdatedAt),
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reservation item")
			}
		}
		return nil
	})
}

// GetReservation returns a reservation with its items.
func (s *Store) GetReservation(ctx context.Context, id string) (*repository.Reservation, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("reservation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reservation")
	}
	if res.Items, err = s.reservationItems(ctx, id); err != nil {
		return nil, err
	}
	return res, nil
}

// ListReservationsByCampaign returns every reservation of a campaign, newest first.
func (s *Store) ListReservationsByCampaign(ctx context.Context, campaignID string) ([]*repository.Reservation, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE campaign_id = ?
ORDER BY created_at DESC, id
`, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservations")
	}

	var out []*repository.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reservation")
		}
		out = append(out, res)
	}
	// Release the cursor before issuing item queries on the single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservations")
	}

	for _, res := range out {
		if res.Items, err = s.reservationItems(ctx, res.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListExpiredHeld returns held reservations past their expiry, after the cursor.
func (s *Store) ListExpiredHeld(ctx context.Context, now time.Time, after *repository.ExpiredHold, limit int) ([]repository.ExpiredHold, error) {
	query := `
SELECT id, expires_at FROM reservations
WHERE status = 'held' AND expires_at < ?`
	args := []any{toMillis(now)}
	if after != nil {
		query += ` AND (expires_at > ? OR (expires_at = ? AND id > ?))`
		at := toMillis(after.ExpiresAt)
		args = append(args, at, at, after.ID)
	}
	query += `
ORDER BY expires_at, id
LIMIT ?`
	args = append(args, limit)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired reservations")
	}
	defer rows.Close()

	var holds []repository.ExpiredHold
	for rows.Next() {
		var (
			h  repository.ExpiredHold
			ms int64
		)
		if err := rows.Scan(&h.ID, &ms); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expired reservation")
		}
		h.ExpiresAt = fromMillis(ms)
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// TransitionReservation updates the status only when it still equals from.
func (s *Store) TransitionReservation(ctx context.Context, id string, from, to repository.ReservationStatus, reason *string, at time.Time) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE reservations
SET status = ?, release_reason = COALESCE(?, release_reason), updated_at = ?
WHERE id = ? AND status = ?
`, string(to), nullString(reason), toMillis(at), id, string(from))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update reservation status")
	}
	return affectedOne(res)
}

// TransitionReservationItem updates one item's status only when it still equals from.
func (s *Store) TransitionReservationItem(ctx context.Context, itemID string, from, to repository.ReservationItemStatus, at time.Time) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE reservation_items SET status = ?, updated_at = ?
WHERE id = ? AND status = ?
`, string(to), toMillis(at), itemID, string(from))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update reservation item status")
	}
	return affectedOne(res)
}

func (s *Store) reservationItems(ctx context.Context, reservationID string) ([]*repository.ReservationItem, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT id, reservation_id, line_number, show_id, episode_id, placement_type,
	spot_count, unit_price, air_date, status, updated_at
FROM reservation_items
WHERE reservation_id = ?
ORDER BY line_number
`, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reservation items")
	}
	defer rows.Close()

	items := make([]*repository.ReservationItem, 0)
	for rows.Next() {
		item := &repository.ReservationItem{}
		var placement, status string
		var airDate, updatedAt int64
		if err := rows.Scan(
			&item.ID,
			&item.ReservationID,
			&item.LineNumber,
			&item.ShowID,
			&item.EpisodeID,
			&placement,
			&item.SpotCount,
			&item.UnitPrice,
			&airDate,
			&status,
			&updatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reservation item")
		}
		item.PlacementType = repository.PlacementType(placement)
		item.Status = repository.ReservationItemStatus(status)
		item.AirDate = fromMillis(airDate)
		item.UpdatedAt = fromMillis(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanReservation(row rowScanner) (*repository.Reservation, error) {
	res := &repository.Reservation{}
	var status string
	var reason sql.NullString
	var expiresAt, createdAt, updatedAt int64
	if err := row.Scan(
		&res.ID,
		&res.CampaignID,
		&status,
		&res.HoldDurationHours,
		&expiresAt,
		&res.TotalAmount,
		&res.Priority,
		&res.CreatedBy,
		&reason,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	res.Status = repository.ReservationStatus(status)
	res.ReleaseReason = stringPtr(reason)
	res.ExpiresAt = fromMillis(expiresAt)
	res.CreatedAt = fromMillis(createdAt)
	res.UpdatedAt = fromMillis(updatedAt)
	return res, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to read rows affected")
	}
	return n == 1, nil
}
