package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// ReservationManager creates, confirms and releases multi-item holds. Every
// mutator joins an enclosing unit of work when called inside one.
type ReservationManager struct {
	store    repository.Store
	ledger   *Ledger
	detector *ConflictDetector
	history  historyWriter
	clock    clock.Clock
	cfg      EngineConfig
	tx       *txRunner
	metrics  *Metrics
	log      *logger.Logger
}

// NewReservationManager creates a new reservation manager.
func NewReservationManager(
	store repository.Store,
	ledger *Ledger,
	detector *ConflictDetector,
	clk clock.Clock,
	cfg EngineConfig,
	tx *txRunner,
	metrics *Metrics,
	log *logger.Logger,
) *ReservationManager {
	return &ReservationManager{
		store:    store,
		ledger:   ledger,
		detector: detector,
		history:  historyWriter{history: store, clock: clk},
		clock:    clk,
		cfg:      cfg,
		tx:       tx,
		metrics:  metrics,
		log:      log,
	}
}

// CreateReservationInput describes a hold request.
type CreateReservationInput struct {
	// ID is optional; callers that may retry pass a pre-generated id.
	ID         string
	CampaignID string
	Items      []*repository.ScheduleItem
	Profile    CampaignProfile
	Priority   int
	CreatedBy  string
}

// ReleaseOptions controls how a held reservation ends.
type ReleaseOptions struct {
	Reason string
	Actor  string
	// Outcome is ReservationCancelled or ReservationExpired.
	Outcome repository.ReservationStatus
}

// CreateReservation holds inventory for every item or for none of them.
func (m *ReservationManager) CreateReservation(ctx context.Context, in CreateReservationInput) (*repository.Reservation, error) {
	if in.CampaignID == "" {
		return nil, errors.InvalidInput("campaign_id", "is required")
	}
	if len(in.Items) == 0 {
		return nil, errors.InvalidInput("items", "reservation must have at least 1 item")
	}
	for i, item := range in.Items {
		if !item.Valid() {
			return nil, errors.InvalidInput("items", fmt.Sprintf("item %d is not reservable", i+1))
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	items := buildItems(in.Items)
	owner := !inTx(ctx)

	for _, item := range items {
		if err := m.detector.Check(ctx, item, in.Profile); err != nil {
			m.metrics.reservationOutcome(outcomeLabel(err))
			if owner {
				m.RecordFailedAttempt(ctx, in, err)
			}
			return nil, err
		}
	}

	var res *repository.Reservation
	err := m.tx.run(ctx, "reservation "+in.ID, func(ctx context.Context) error {
		for _, g := range groupByKey(items) {
			if err := m.ledger.Reserve(ctx, g.key, g.count); err != nil {
				return err
			}
		}

		now := m.clock.Now()
		res = &repository.Reservation{
			ID:                in.ID,
			CampaignID:        in.CampaignID,
			Status:            repository.ReservationHeld,
			HoldDurationHours: int(m.cfg.HoldDuration / time.Hour),
			ExpiresAt:         now.Add(m.cfg.HoldDuration),
			Priority:          in.Priority,
			CreatedBy:         in.CreatedBy,
			CreatedAt:         now,
			Items:             cloneItems(items, repository.ItemHeld),
		}
		for _, item := range res.Items {
			res.TotalAmount += item.Amount()
		}
		if err := m.store.CreateReservation(ctx, res); err != nil {
			return err
		}
		return m.history.reservation(ctx, res.ID, "", repository.ReservationHeld, "hold placed", in.CreatedBy)
	})
	if err != nil {
		m.metrics.reservationOutcome(outcomeLabel(err))
		if owner {
			m.RecordFailedAttempt(ctx, in, err)
		}
		return nil, err
	}
	m.metrics.reservationOutcome("held")

	m.log.Info().
		Str("reservation_id", res.ID).
		Str("campaign_id", res.CampaignID).
		Int64("total_amount", res.TotalAmount).
		Int("item_count", len(res.Items)).
		Time("expires_at", res.ExpiresAt).
		Msg("Reservation held")

	return res, nil
}

// RecordFailedAttempt stores a failed reservation for audit after an
// inventory or conflict failure. It holds no inventory and is best-effort.
func (m *ReservationManager) RecordFailedAttempt(ctx context.Context, in CreateReservationInput, cause error) {
	code := errors.CodeOf(cause)
	if code != errors.ErrCodeInsufficientInventory && code != errors.ErrCodeConflictDetected {
		return
	}
	var blocked map[repository.SlotKey]bool
	var insufficient *errors.InsufficientInventoryError
	var conflict *errors.ConflictDetectedError
	switch {
	case errors.As(cause, &insufficient):
		blocked = map[repository.SlotKey]bool{{EpisodeID: insufficient.EpisodeID, PlacementType: repository.PlacementType(insufficient.PlacementType)}: true}
	case errors.As(cause, &conflict):
		blocked = map[repository.SlotKey]bool{{EpisodeID: conflict.EpisodeID, PlacementType: repository.PlacementType(conflict.PlacementType)}: true}
	}

	items := buildItems(in.Items)
	now := m.clock.Now()
	reason := cause.Error()
	res := &repository.Reservation{
		ID:                uuid.NewString(),
		CampaignID:        in.CampaignID,
		Status:            repository.ReservationFailed,
		HoldDurationHours: int(m.cfg.HoldDuration / time.Hour),
		ExpiresAt:         now,
		Priority:          in.Priority,
		CreatedBy:         in.CreatedBy,
		ReleaseReason:     &reason,
		CreatedAt:         now,
		Items:             cloneItems(items, repository.ItemReleased),
	}
	for _, item := range res.Items {
		if blocked[item.Key()] {
			item.Status = repository.ItemBlocked
		}
		res.TotalAmount += item.Amount()
	}

	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		if err := m.store.CreateReservation(ctx, res); err != nil {
			return err
		}
		return m.history.reservation(ctx, res.ID, "", repository.ReservationFailed, reason, in.CreatedBy)
	})
	if err != nil {
		m.log.Warn().Err(err).
			Str("campaign_id", in.CampaignID).
			Msg("Failed to record failed reservation attempt")
	}
}

// ConfirmReservation converts a held reservation into booked inventory.
func (m *ReservationManager) ConfirmReservation(ctx context.Context, id, actor string) (*repository.Reservation, error) {
	var res *repository.Reservation
	err := m.tx.run(ctx, "reservation "+id, func(ctx context.Context) error {
		var err error
		res, err = m.store.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if res.Status != repository.ReservationHeld {
			return reservationTransitionError(res, repository.ReservationConfirmed)
		}

		now := m.clock.Now()
		ok, err := m.store.TransitionReservation(ctx, id, repository.ReservationHeld, repository.ReservationConfirmed, nil, now)
		if err != nil {
			return err
		}
		if !ok {
			return reservationTransitionError(res, repository.ReservationConfirmed)
		}

		for _, item := range sortedItems(res.Items) {
			if item.Status != repository.ItemHeld {
				continue
			}
			moved, err := m.store.TransitionReservationItem(ctx, item.ID, repository.ItemHeld, repository.ItemConfirmed, now)
			if err != nil {
				return err
			}
			if !moved {
				continue
			}
			if err := m.ledger.Confirm(ctx, item.Key(), item.SpotCount); err != nil {
				return err
			}
			item.Status = repository.ItemConfirmed
		}
		res.Status = repository.ReservationConfirmed
		res.UpdatedAt = now
		return m.history.reservation(ctx, id, repository.ReservationHeld, repository.ReservationConfirmed, "confirmed", actor)
	})
	if err != nil {
		return nil, err
	}
	m.metrics.reservationOutcome("confirmed")

	m.log.Info().
		Str("reservation_id", id).
		Str("actor", actor).
		Msg("Reservation confirmed")

	return res, nil
}

// ReleaseReservation returns every held unit of the reservation to available.
// The held status is the only guard, so a reservation is released at most once.
func (m *ReservationManager) ReleaseReservation(ctx context.Context, id string, opts ReleaseOptions) (*repository.Reservation, error) {
	res, released, err := m.release(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if !released {
		return nil, reservationTransitionError(res, opts.Outcome)
	}
	return res, nil
}

// release reports false without error when the reservation is no longer held.
func (m *ReservationManager) release(ctx context.Context, id string, opts ReleaseOptions) (*repository.Reservation, bool, error) {
	if opts.Outcome != repository.ReservationCancelled && opts.Outcome != repository.ReservationExpired {
		return nil, false, errors.InvalidInput("outcome", "must be cancelled or expired")
	}

	var res *repository.Reservation
	released := false
	err := m.tx.run(ctx, "reservation "+id, func(ctx context.Context) error {
		released = false
		var err error
		res, err = m.store.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if res.Status != repository.ReservationHeld {
			return nil
		}

		now := m.clock.Now()
		reason := opts.Reason
		ok, err := m.store.TransitionReservation(ctx, id, repository.ReservationHeld, opts.Outcome, &reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		for _, item := range sortedItems(res.Items) {
			if item.Status != repository.ItemHeld {
				continue
			}
			moved, err := m.store.TransitionReservationItem(ctx, item.ID, repository.ItemHeld, repository.ItemReleased, now)
			if err != nil {
				return err
			}
			if !moved {
				continue
			}
			if err := m.ledger.Release(ctx, item.Key(), item.SpotCount); err != nil {
				return err
			}
			item.Status = repository.ItemReleased
		}
		res.Status = opts.Outcome
		res.ReleaseReason = &reason
		res.UpdatedAt = now
		released = true
		return m.history.reservation(ctx, id, repository.ReservationHeld, opts.Outcome, opts.Reason, opts.Actor)
	})
	if err != nil {
		return nil, false, err
	}
	if released {
		m.metrics.reservationOutcome(string(opts.Outcome))
		m.log.Info().
			Str("reservation_id", id).
			Str("outcome", string(opts.Outcome)).
			Str("reason", opts.Reason).
			Str("actor", opts.Actor).
			Msg("Reservation released")
	}
	return res, released, nil
}

// GetReservation retrieves a reservation with its items.
func (m *ReservationManager) GetReservation(ctx context.Context, id string) (*repository.Reservation, error) {
	return m.store.GetReservation(ctx, id)
}

// ListCampaignReservations returns every reservation of a campaign, including
// terminal ones.
func (m *ReservationManager) ListCampaignReservations(ctx context.Context, campaignID string) ([]*repository.Reservation, error) {
	return m.store.ListReservationsByCampaign(ctx, campaignID)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type slotGroup struct {
	key   repository.SlotKey
	count int
}

// groupByKey sums spot counts per counter, in key order.
func groupByKey(items []*repository.ReservationItem) []slotGroup {
	totals := make(map[repository.SlotKey]int)
	for _, item := range items {
		totals[item.Key()] += item.SpotCount
	}
	groups := make([]slotGroup, 0, len(totals))
	for k, n := range totals {
		groups = append(groups, slotGroup{key: k, count: n})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key.Less(groups[j].key) })
	return groups
}

// buildItems converts schedule lines to reservation items sorted by episode,
// placement, show and air date, numbered in that order.
func buildItems(lines []*repository.ScheduleItem) []*repository.ReservationItem {
	items := make([]*repository.ReservationItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, &repository.ReservationItem{
			ShowID:        l.ShowID,
			EpisodeID:     l.EpisodeID,
			PlacementType: l.PlacementType,
			SpotCount:     l.SpotCount,
			UnitPrice:     l.UnitPrice,
			AirDate:       l.AirDate,
		})
	}
	items = sortedItems(items)
	for i, item := range items {
		item.LineNumber = i + 1
	}
	return items
}

func sortedItems(items []*repository.ReservationItem) []*repository.ReservationItem {
	out := append([]*repository.ReservationItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Key() != b.Key() {
			return a.Key().Less(b.Key())
		}
		if a.ShowID != b.ShowID {
			return a.ShowID < b.ShowID
		}
		return a.AirDate.Before(b.AirDate)
	})
	return out
}

// cloneItems copies items with a status so a retried transaction starts clean.
func cloneItems(items []*repository.ReservationItem, status repository.ReservationItemStatus) []*repository.ReservationItem {
	out := make([]*repository.ReservationItem, 0, len(items))
	for _, item := range items {
		c := *item
		c.ID = ""
		c.Status = status
		out = append(out, &c)
	}
	return out
}

func reservationTransitionError(res *repository.Reservation, to repository.ReservationStatus) error {
	return &errors.InvalidStateTransitionError{
		Entity:   "reservation",
		EntityID: res.ID,
		From:     string(res.Status),
		To:       string(to),
	}
}

func outcomeLabel(err error) string {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInsufficientInventory:
		return "insufficient_inventory"
	case errors.ErrCodeConflictDetected:
		return "conflict"
	case errors.ErrCodeConcurrentModification:
		return "concurrent_modification"
	}
	return "error"
}
