package service

import (
	"context"

	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// SystemActor is the actor recorded for engine-initiated changes.
const SystemActor = "system"

// historyWriter appends audit records in the caller's transaction. A failed
// append fails the transition it describes.
type historyWriter struct {
	history repository.History
	clock   clock.Clock
}

type historyEntry struct {
	entity   repository.HistoryEntity
	id       string
	from     string
	to       string
	reason   string
	actor    string
	metadata map[string]interface{}
}

func (w historyWriter) append(ctx context.Context, e historyEntry) error {
	actor := e.actor
	if actor == "" {
		actor = SystemActor
	}
	return w.history.AppendHistory(ctx, &repository.StatusHistory{
		EntityType: e.entity,
		EntityID:   e.id,
		FromStatus: e.from,
		ToStatus:   e.to,
		Reason:     e.reason,
		Actor:      actor,
		Metadata:   e.metadata,
		OccurredAt: w.clock.Now(),
	})
}

func (w historyWriter) reservation(ctx context.Context, id string, from, to repository.ReservationStatus, reason, actor string) error {
	return w.append(ctx, historyEntry{
		entity: repository.HistoryReservation,
		id:     id,
		from:   string(from),
		to:     string(to),
		reason: reason,
		actor:  actor,
	})
}

func (w historyWriter) campaign(ctx context.Context, id string, from, to repository.ProbabilityStage, reason, actor string, metadata map[string]interface{}) error {
	fromStr := ""
	if from != 0 {
		fromStr = from.String()
	}
	return w.append(ctx, historyEntry{
		entity:   repository.HistoryCampaign,
		id:       id,
		from:     fromStr,
		to:       to.String(),
		reason:   reason,
		actor:    actor,
		metadata: metadata,
	})
}
