package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// RestrictionRepository handles competitive-exclusivity records.
type RestrictionRepository struct {
	db *database.DB
}

// NewRestrictionRepository creates a new RestrictionRepository.
func NewRestrictionRepository(db *database.DB) *RestrictionRepository {
	return &RestrictionRepository{db: db}
}

// CreateRestriction inserts a new restriction.
func (r *RestrictionRepository) CreateRestriction(ctx context.Context, rs *Restriction) error {
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}

	query := `
		INSERT INTO restrictions
		    (id, kind, level, show_id, episode_id, category, advertiser_id,
		     effective_from, effective_to, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		rs.ID,
		string(rs.Kind),
		string(rs.Level),
		rs.ShowID,
		rs.EpisodeID,
		rs.Category,
		rs.AdvertiserID,
		rs.EffectiveFrom,
		rs.EffectiveTo,
		rs.Reason,
		rs.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create restriction")
	}
	return nil
}

// ListRestrictions loads every restriction that can touch a slot on the given
// show and episode. Matching against the candidate is done by the caller.
func (r *RestrictionRepository) ListRestrictions(ctx context.Context, showID, episodeID string) ([]*Restriction, error) {
	query := `
		SELECT id, kind, level, show_id, episode_id, category, advertiser_id,
		       effective_from, effective_to, reason, created_at
		FROM restrictions
		WHERE level = 'network'
		   OR show_id = $1
		   OR episode_id = $2
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, showID, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list restrictions")
	}
	defer rows.Close()

	var out []*Restriction
	for rows.Next() {
		rs := &Restriction{}
		var kind, level string
		err := rows.Scan(
			&rs.ID,
			&kind,
			&level,
			&rs.ShowID,
			&rs.EpisodeID,
			&rs.Category,
			&rs.AdvertiserID,
			&rs.EffectiveFrom,
			&rs.EffectiveTo,
			&rs.Reason,
			&rs.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan restriction")
		}
		rs.Kind = RestrictionKind(kind)
		rs.Level = ExclusivityLevel(level)
		out = append(out, rs)
	}
	return out, rows.Err()
}
