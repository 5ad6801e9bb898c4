package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// StatusHistoryRepository appends and reads immutable status history entries.
type StatusHistoryRepository struct {
	db *database.DB
}

// NewStatusHistoryRepository creates a new StatusHistoryRepository.
func NewStatusHistoryRepository(db *database.DB) *StatusHistoryRepository {
	return &StatusHistoryRepository{db: db}
}

// AppendHistory inserts one entry. The table has an update/delete prevention
// trigger so this is the only mutation exposed.
func (r *StatusHistoryRepository) AppendHistory(ctx context.Context, h *StatusHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	var metadataJSON []byte
	if h.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(h.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO status_history
		    (id, entity_type, entity_id, from_status, to_status, reason, actor, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Exec(ctx, query,
		h.ID,
		string(h.EntityType),
		h.EntityID,
		h.FromStatus,
		h.ToStatus,
		h.Reason,
		h.Actor,
		metadataJSON,
		h.OccurredAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append status history")
	}
	return nil
}

// ListHistory returns the trail of one entity in insertion order.
func (r *StatusHistoryRepository) ListHistory(ctx context.Context, entity HistoryEntity, entityID string) ([]*StatusHistory, error) {
	query := `
		SELECT id, entity_type, entity_id, from_status, to_status, reason, actor,
		       metadata, occurred_at
		FROM status_history
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, string(entity), entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list status history")
	}
	defer rows.Close()

	var out []*StatusHistory
	for rows.Next() {
		h := &StatusHistory{}
		var entityType string
		var metadataJSON []byte
		err := rows.Scan(
			&h.ID,
			&entityType,
			&h.EntityID,
			&h.FromStatus,
			&h.ToStatus,
			&h.Reason,
			&h.Actor,
			&metadataJSON,
			&h.OccurredAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan status history")
		}
		h.EntityType = HistoryEntity(entityType)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &h.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
