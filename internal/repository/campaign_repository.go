package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// CampaignRepository persists campaigns and their pending schedules.
type CampaignRepository struct {
	db *database.DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *database.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// CreateCampaign registers a campaign. Duplicate ids return ErrCodeConflict.
func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (id, advertiser_id, categories, stage, reservation_id,
		                       approval_request_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`

	categories := c.Categories
	if categories == nil {
		categories = []string{}
	}

	_, err := r.db.Exec(ctx, query,
		c.ID,
		c.AdvertiserID,
		categories,
		int(c.Stage),
		c.ReservationID,
		c.ApprovalRequestID,
		c.CreatedBy,
		c.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "campaign already exists: "+c.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign")
	}
	c.UpdatedAt = c.CreatedAt
	return nil
}

// GetCampaign retrieves a campaign by id.
func (r *CampaignRepository) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	query := `
		SELECT id, advertiser_id, categories, stage, reservation_id, approval_request_id,
		       created_by, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`

	c := &Campaign{}
	var stage int
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.AdvertiserID,
		&c.Categories,
		&stage,
		&c.ReservationID,
		&c.ApprovalRequestID,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("campaign", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign")
	}
	c.Stage = ProbabilityStage(stage)
	return c, nil
}

// UpdateCampaignState writes the engine-owned fields when the stored stage
// still equals expected.
func (r *CampaignRepository) UpdateCampaignState(ctx context.Context, c *Campaign, expected ProbabilityStage) (bool, error) {
	query := `
		UPDATE campaigns
		SET stage               = $2,
		    reservation_id      = $3,
		    approval_request_id = $4,
		    updated_at          = $5
		WHERE id = $1 AND stage = $6
	`

	tag, err := r.db.Exec(ctx, query,
		c.ID,
		int(c.Stage),
		c.ReservationID,
		c.ApprovalRequestID,
		c.UpdatedAt,
		int(expected),
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update campaign")
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceSchedule swaps the campaign's schedule lines in one transaction.
func (r *CampaignRepository) ReplaceSchedule(ctx context.Context, campaignID string, items []*ScheduleItem) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.db.Exec(ctx, `DELETE FROM campaign_schedule_items WHERE campaign_id = $1`, campaignID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear schedule")
		}

		query := `
			INSERT INTO campaign_schedule_items (id, campaign_id, line_number, show_id, episode_id,
			                                     placement_type, spot_count, unit_price, air_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`

		for i, item := range items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.CampaignID = campaignID
			if item.LineNumber == 0 {
				item.LineNumber = i + 1
			}

			_, err := r.db.Exec(ctx, query,
				item.ID,
				item.CampaignID,
				item.LineNumber,
				item.ShowID,
				item.EpisodeID,
				string(item.PlacementType),
				item.SpotCount,
				item.UnitPrice,
				item.AirDate,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert schedule item")
			}
		}
		return nil
	})
}

// ListSchedule returns the schedule ordered by line number.
func (r *CampaignRepository) ListSchedule(ctx context.Context, campaignID string) ([]*ScheduleItem, error) {
	query := `
		SELECT id, campaign_id, line_number, show_id, episode_id, placement_type,
		       spot_count, unit_price, air_date
		FROM campaign_schedule_items
		WHERE campaign_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list schedule")
	}
	defer rows.Close()

	var items []*ScheduleItem
	for rows.Next() {
		item := &ScheduleItem{}
		var placement string
		err := rows.Scan(
			&item.ID,
			&item.CampaignID,
			&item.LineNumber,
			&item.ShowID,
			&item.EpisodeID,
			&placement,
			&item.SpotCount,
			&item.UnitPrice,
			&item.AirDate,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan schedule item")
		}
		item.PlacementType = PlacementType(placement)
		items = append(items, item)
	}
	return items, rows.Err()
}
