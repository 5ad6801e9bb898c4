package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// CreateCampaign registers a campaign. Duplicate ids return ErrCodeConflict.
func (s *Store) CreateCampaign(ctx context.Context, c *repository.Campaign) error {
	categories := c.Categories
	if categories == nil {
		categories = []string{}
	}
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal categories")
	}
	c.UpdatedAt = c.CreatedAt

	_, err = s.q(ctx).ExecContext(ctx, `
INSERT INTO campaigns (
	id, advertiser_id, categories, stage, reservation_id, approval_request_id,
	created_by, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		c.ID,
		c.AdvertiserID,
		string(categoriesJSON),
		int(c.Stage),
		nullString(c.ReservationID),
		nullString(c.ApprovalRequestID),
		c.CreatedBy,
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "campaign already exists: "+c.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign")
	}
	return nil
}

// GetCampaign retrieves a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (*repository.Campaign, error) {
	c := &repository.Campaign{}
	var categoriesJSON string
	var stage int
	var reservationID, approvalID sql.NullString
	var createdAt, updatedAt int64
	err := s.q(ctx).QueryRowContext(ctx, `
SELECT id, advertiser_id, categories, stage, reservation_id, approval_request_id,
	created_by, created_at, updated_at
FROM campaigns WHERE id = ?
`, id).Scan(
		&c.ID,
		&c.AdvertiserID,
		&categoriesJSON,
		&stage,
		&reservationID,
		&approvalID,
		&c.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("campaign", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign")
	}
	if err := json.Unmarshal([]byte(categoriesJSON), &c.Categories); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal categories")
	}
	c.Stage = repository.ProbabilityStage(stage)
	c.ReservationID = stringPtr(reservationID)
	c.ApprovalRequestID = stringPtr(approvalID)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// UpdateCampaignState writes the engine-owned fields when the stored stage
// still equals expected.
func (s *Store) UpdateCampaignState(ctx context.Context, c *repository.Campaign, expected repository.ProbabilityStage) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE campaigns
SET stage = ?, reservation_id = ?, approval_request_id = ?, updated_at = ?
WHERE id = ? AND stage = ?
`,
		int(c.Stage),
		nullString(c.ReservationID),
		nullString(c.ApprovalRequestID),
		toMillis(c.UpdatedAt),
		c.ID,
		int(expected),
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update campaign")
	}
	return affectedOne(res)
}

// ReplaceSchedule swaps the campaign's schedule lines.
func (s *Store) ReplaceSchedule(ctx context.Context, campaignID string, items []*repository.ScheduleItem) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM campaign_schedule_items WHERE campaign_id = ?`, campaignID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear schedule")
		}
		for i, item := range items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.CampaignID = campaignID
			if item.LineNumber == 0 {
				item.LineNumber = i + 1
			}
			_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO campaign_schedule_items (
	id, campaign_id, line_number, show_id, episode_id, placement_type,
	spot_count, unit_price, air_date
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
				item.ID,
				item.CampaignID,
				item.LineNumber,
				item.ShowID,
				item.EpisodeID,
				string(item.PlacementType),
				item.SpotCount,
				item.UnitPrice,
				toMillis(item.AirDate),
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert schedule item")
			}
		}
		return nil
	})
}

// ListSchedule returns the schedule ordered by line number.
func (s *Store) ListSchedule(ctx context.Context, campaignID string) ([]*repository.ScheduleItem, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT id, campaign_id, line_number, show_id, episode_id, placement_type,
	spot_count, unit_price, air_date
FROM campaign_schedule_items
WHERE campaign_id = ?
ORDER BY line_number
`, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list schedule")
	}
	defer rows.Close()

	var items []*repository.ScheduleItem
	for rows.Next() {
		item := &repository.ScheduleItem{}
		var placement string
		var airDate int64
		if err := rows.Scan(
			&item.ID,
			&item.CampaignID,
			&item.LineNumber,
			&item.ShowID,
			&item.EpisodeID,
			&placement,
			&item.SpotCount,
			&item.UnitPrice,
			&airDate,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan schedule item")
		}
		item.PlacementType = repository.PlacementType(placement)
		item.AirDate = fromMillis(airDate)
		items = append(items, item)
	}
	return items, rows.Err()
}
