package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// CreateRestriction inserts a competitive-exclusivity record.
func (s *Store) CreateRestriction(ctx context.Context, r *repository.Restriction) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO restrictions (
	id, kind, level, show_id, episode_id, category, advertiser_id,
	effective_from, effective_to, reason, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.ID,
		string(r.Kind),
		string(r.Level),
		nullString(r.ShowID),
		nullString(r.EpisodeID),
		nullString(r.Category),
		nullString(r.AdvertiserID),
		nullMillis(r.EffectiveFrom),
		nullMillis(r.EffectiveTo),
		nullString(r.Reason),
		toMillis(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create restriction")
	}
	return nil
}

// ListRestrictions loads restrictions anchored to the show or episode, plus
// network-level records.
func (s *Store) ListRestrictions(ctx context.Context, showID, episodeID string) ([]*repository.Restriction, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT id, kind, level, show_id, episode_id, category, advertiser_id,
	effective_from, effective_to, reason, created_at
FROM restrictions
WHERE level = 'network' OR show_id = ? OR episode_id = ?
ORDER BY id
`, showID, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list restrictions")
	}
	defer rows.Close()

	var out []*repository.Restriction
	for rows.Next() {
		r := &repository.Restriction{}
		var kind, level string
		var show, episode, category, advertiser, reason sql.NullString
		var from, to sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&r.ID,
			&kind,
			&level,
			&show,
			&episode,
			&category,
			&advertiser,
			&from,
			&to,
			&reason,
			&createdAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan restriction")
		}
		r.Kind = repository.RestrictionKind(kind)
		r.Level = repository.ExclusivityLevel(level)
		r.ShowID = stringPtr(show)
		r.EpisodeID = stringPtr(episode)
		r.Category = stringPtr(category)
		r.AdvertiserID = stringPtr(advertiser)
		r.EffectiveFrom = timePtr(from)
		r.EffectiveTo = timePtr(to)
		r.Reason = stringPtr(reason)
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
