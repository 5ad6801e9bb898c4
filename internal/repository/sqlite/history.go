package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// AppendHistory inserts one immutable history entry.
func (s *Store) AppendHistory(ctx context.Context, h *repository.StatusHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	var metadata sql.NullString
	if h.Metadata != nil {
		raw, err := json.Marshal(h.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO status_history (
	id, entity_type, entity_id, from_status, to_status, reason, actor, metadata, occurred_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		h.ID,
		string(h.EntityType),
		h.EntityID,
		h.FromStatus,
		h.ToStatus,
		h.Reason,
		h.Actor,
		metadata,
		toMillis(h.OccurredAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append status history")
	}
	return nil
}

// ListHistory returns one entity's trail in insertion order.
func (s *Store) ListHistory(ctx context.Context, entity repository.HistoryEntity, entityID string) ([]*repository.StatusHistory, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT id, entity_type, entity_id, from_status, to_status, reason, actor, metadata, occurred_at
FROM status_history
WHERE entity_type = ? AND entity_id = ?
ORDER BY seq
`, string(entity), entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list status history")
	}
	defer rows.Close()

	var out []*repository.StatusHistory
	for rows.Next() {
		h := &repository.StatusHistory{}
		var entityType string
		var metadata sql.NullString
		var occurredAt int64
		if err := rows.Scan(
			&h.ID,
			&entityType,
			&h.EntityID,
			&h.FromStatus,
			&h.ToStatus,
			&h.Reason,
			&h.Actor,
			&metadata,
			&occurredAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan status history")
		}
		h.EntityType = repository.HistoryEntity(entityType)
		h.OccurredAt = fromMillis(occurredAt)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &h.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
