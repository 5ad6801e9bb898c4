package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// ReservationRepository handles reservation and reservation item data.
type ReservationRepository struct {
	db *database.DB
}

// NewReservationRepository creates a new reservation repository.
func NewReservationRepository(db *database.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// CreateReservation inserts the reservation header and its items.
func (r *ReservationRepository) CreateReservation(ctx context.Context, res *Reservation) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		if res.ID == "" {
			res.ID = uuid.NewString()
		}

		query := `
			INSERT INTO reservations (id, campaign_id, status, hold_duration_hours, expires_at,
			                          total_amount, priority, created_by, release_reason,
			                          created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		`

		_, err := r.db.Exec(ctx, query,
			res.ID,
			res.CampaignID,
			string(res.Status),
			res.HoldDurationHours,
			res.ExpiresAt,
			res.TotalAmount,
			res.Priority,
			res.CreatedBy,
			res.ReleaseReason,
			res.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reservation")
		}
		res.UpdatedAt = res.CreatedAt

		itemQuery := `
			INSERT INTO reservation_items (id, reservation_id, line_number, show_id, episode_id,
			                               placement_type, spot_count, unit_price, air_date,
			                               status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`

		for _, item := range res.Items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.ReservationID = res.ID
			item.UpdatedAt = res.CreatedAt

			_, err := r.db.Exec(ctx, itemQuery,
				item.ID,
				item.ReservationID,
				item.LineNumber,
				item.ShowID,
				item.EpisodeID,
				string(item.PlacementType),
				item.SpotCount,
				item.UnitPrice,
				item.AirDate,
				string(item.Status),
				item.UpdatedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reservation item")
			}
		}

		return nil
	})
}

// GetReservation returns a reservation with its items.
func (r *ReservationRepository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	query := `
		SELECT id, campaign_id, status, hold_duration_hours, expires_at, total_amount,
		       priority, created_by, release_reason, created_at, updated_at
		FROM reservations
		WHERE id = $1
	`

	res, err := scanReservation(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("reservation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reservation")
	}

	items, err := r.getItems(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Items = items

	return res, nil
}

func (r *ReservationRepository) getItems(ctx context.Context, reservationID string) ([]*ReservationItem, error) {
	query := `
		SELECT id, reservation_id, line_number, show_id, episode_id, placement_type,
		       spot_count, unit_price, air_date, status, updated_at
		FROM reservation_items
		WHERE reservation_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reservation items")
	}
	defer rows.Close()

	items := make([]*ReservationItem, 0)
	for rows.Next() {
		item := &ReservationItem{}
		var placement, status string
		err := rows.Scan(
			&item.ID,
			&item.ReservationID,
			&item.LineNumber,
			&item.ShowID,
			&item.EpisodeID,
			&placement,
			&item.SpotCount,
			&item.UnitPrice,
			&item.AirDate,
			&status,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reservation item")
		}
		item.PlacementType = PlacementType(placement)
		item.Status = ReservationItemStatus(status)
		items = append(items, item)
	}

	return items, rows.Err()
}

// ListReservationsByCampaign returns every reservation of a campaign, newest first.
func (r *ReservationRepository) ListReservationsByCampaign(ctx context.Context, campaignID string) ([]*Reservation, error) {
	query := `
		SELECT id, campaign_id, status, hold_duration_hours, expires_at, total_amount,
		       priority, created_by, release_reason, created_at, updated_at
		FROM reservations
		WHERE campaign_id = $1
		ORDER BY created_at DESC, id
	`

	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservations")
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reservation")
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservations")
	}

	for _, res := range out {
		items, err := r.getItems(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		res.Items = items
	}
	return out, nil
}

// ListExpiredHeld returns held reservations whose hold has lapsed, oldest expiry
// first, resuming strictly after the cursor.
func (r *ReservationRepository) ListExpiredHeld(ctx context.Context, now time.Time, after *ExpiredHold, limit int) ([]ExpiredHold, error) {
	query := `
		SELECT id, expires_at
		FROM reservations
		WHERE status = 'held' AND expires_at < $1
		ORDER BY expires_at, id
		LIMIT $2
	`
	args := []any{now, limit}
	if after != nil {
		query = `
			SELECT id, expires_at
			FROM reservations
			WHERE status = 'held' AND expires_at < $1
			  AND (expires_at, id) > ($3, $4)
			ORDER BY expires_at, id
			LIMIT $2
		`
		args = append(args, after.ExpiresAt, after.ID)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired reservations")
	}
	defer rows.Close()

	var holds []ExpiredHold
	for rows.Next() {
		var h ExpiredHold
		if err := rows.Scan(&h.ID, &h.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expired reservation")
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// TransitionReservation updates the status only when it still equals from.
func (r *ReservationRepository) TransitionReservation(ctx context.Context, id string, from, to ReservationStatus, reason *string, at time.Time) (bool, error) {
	query := `
		UPDATE reservations
		SET status         = $3,
		    release_reason = COALESCE($4, release_reason),
		    updated_at     = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to), reason, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update reservation status")
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionReservationItem updates one item's status only when it still equals from.
func (r *ReservationRepository) TransitionReservationItem(ctx context.Context, itemID string, from, to ReservationItemStatus, at time.Time) (bool, error) {
	query := `
		UPDATE reservation_items
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Exec(ctx, query, itemID, string(from), string(to), at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update reservation item status")
	}
	return tag.RowsAffected() == 1, nil
}

func scanReservation(row rowScanner) (*Reservation, error) {
	res := &Reservation{}
	var status string
	err := row.Scan(
		&res.ID,
		&res.CampaignID,
		&status,
		&res.HoldDurationHours,
		&res.ExpiresAt,
		&res.TotalAmount,
		&res.Priority,
		&res.CreatedBy,
		&res.ReleaseReason,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	res.Status = ReservationStatus(status)
	return res, nil
}
