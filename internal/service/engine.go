package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the collaborators handed to the engine.
type Dependencies struct {
	Store    repository.Store
	Catalog  *catalog.Catalog
	Clock    clock.Clock
	Orders   OrderGenerator
	Notifier Notifier
	Metrics  *Metrics
	Logger   *logger.Logger
}

// Engine drives a campaign through the probability stages and composes the
// ledger, the reservation manager and the approval gate into atomic steps.
type Engine struct {
	cfg          EngineConfig
	store        repository.Store
	clock        clock.Clock
	orders       OrderGenerator
	notifier     Notifier
	metrics      *Metrics
	log          *logger.Logger
	tracer       trace.Tracer
	tx           *txRunner
	history      historyWriter
	ledger       *Ledger
	detector     *ConflictDetector
	reservations *ReservationManager
	approvals    *ApprovalGate
}

// NewEngine validates cfg and wires the components.
func NewEngine(cfg EngineConfig, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.InvalidInput("store", "is required")
	}
	if deps.Orders == nil {
		return nil, errors.InvalidInput("orders", "an order generator is required")
	}
	cfg = cfg.withDefaults()
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Notifier == nil {
		deps.Notifier = discardNotifier{}
	}
	log := logger.OrNop(deps.Logger)

	tx := newTxRunner(deps.Store, cfg, deps.Metrics, log.Component("tx"))
	ledger := NewLedger(deps.Store, deps.Catalog, deps.Clock, tx, log.Component("ledger"))
	detector := NewConflictDetector(deps.Store)

	return &Engine{
		cfg:          cfg,
		store:        deps.Store,
		clock:        deps.Clock,
		orders:       deps.Orders,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		log:          log.Component("engine"),
		tracer:       telemetry.Tracer(),
		tx:           tx,
		history:      historyWriter{history: deps.Store, clock: deps.Clock},
		ledger:       ledger,
		detector:     detector,
		reservations: NewReservationManager(deps.Store, ledger, detector, deps.Clock, cfg, tx, deps.Metrics, log.Component("reservations")),
		approvals:    NewApprovalGate(deps.Store, deps.Catalog, deps.Clock, cfg, tx, deps.Metrics, log.Component("approvals")),
	}, nil
}

// Ledger exposes the inventory ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Reservations exposes the reservation manager.
func (e *Engine) Reservations() *ReservationManager { return e.reservations }

// Approvals exposes the approval gate.
func (e *Engine) Approvals() *ApprovalGate { return e.approvals }

// StageResult is the outcome of a stage-changing call.
type StageResult struct {
	Campaign       *repository.Campaign               `json:"campaign"`
	Reservation    *repository.Reservation            `json:"reservation,omitempty"`
	Approval       *repository.CampaignApproval       `json:"approval,omitempty"`
	TalentRequests []*repository.TalentApprovalRequest `json:"talent_requests,omitempty"`
	OrderID        string                             `json:"order_id,omitempty"`
}

// RegisterCampaignInput is the engine view of an externally owned campaign.
type RegisterCampaignInput struct {
	ID           string
	AdvertiserID string
	Categories   []string
	CreatedBy    string
}

// ── Notifications ────────────────────────────────────────────────────────────

type notification struct {
	role    string
	event   string
	payload map[string]interface{}
}

// outbox collects notifications inside a transaction; they are sent only
// after it commits.
type outbox []notification

func (o *outbox) add(role, event string, payload map[string]interface{}) {
	*o = append(*o, notification{role: role, event: event, payload: payload})
}

func (e *Engine) flush(ctx context.Context, o outbox) {
	for _, n := range o {
		if err := e.notifier.Notify(ctx, n.role, n.event, n.payload); err != nil {
			e.log.Warn().Err(err).
				Str("event", n.event).
				Str("recipient_role", n.role).
				Msg("Failed to send notification")
		}
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, string, string, map[string]interface{}) error {
	return nil
}

// ── Tracing ──────────────────────────────────────────────────────────────────

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(errors.CodeOf(err)))
		}
		span.End()
	}
}

// ── Campaign registration and schedule ───────────────────────────────────────

// RegisterCampaign stores the engine view of a campaign at stage 10.
func (e *Engine) RegisterCampaign(ctx context.Context, in RegisterCampaignInput) (c *repository.Campaign, err error) {
	ctx, end := e.span(ctx, "RegisterCampaign", attribute.String("campaign_id", in.ID))
	defer func() { end(err) }()

	if strings.TrimSpace(in.ID) == "" {
		return nil, errors.InvalidInput("id", "is required")
	}
	if strings.TrimSpace(in.AdvertiserID) == "" {
		return nil, errors.InvalidInput("advertiser_id", "is required")
	}

	err = e.tx.run(ctx, "campaign "+in.ID, func(ctx context.Context) error {
		now := e.clock.Now()
		c = &repository.Campaign{
			ID:           in.ID,
			AdvertiserID: in.AdvertiserID,
			Categories:   in.Categories,
			Stage:        repository.StageActive,
			CreatedBy:    in.CreatedBy,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateCampaign(ctx, c); err != nil {
			return err
		}
		return e.history.campaign(ctx, c.ID, 0, repository.StageActive, "campaign registered", in.CreatedBy, nil)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("campaign_id", c.ID).
		Str("advertiser_id", c.AdvertiserID).
		Msg("Campaign registered")

	return c, nil
}

// AttachSchedule replaces the campaign's schedule. The first schedule with at
// least one valid line moves a stage 10 campaign to 35, exactly once.
func (e *Engine) AttachSchedule(ctx context.Context, campaignID string, items []*repository.ScheduleItem, actor string) (result *StageResult, err error) {
	ctx, end := e.span(ctx, "AttachSchedule", attribute.String("campaign_id", campaignID), attribute.Int("items", len(items)))
	defer func() { end(err) }()

	for i, item := range items {
		if item == nil || !item.Valid() {
			return nil, errors.InvalidInput("items", fmt.Sprintf("line %d needs show, episode, a known placement type and a positive spot count", i+1))
		}
	}

	err = e.tx.run(ctx, "campaign "+campaignID, func(ctx context.Context) error {
		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Stage == repository.StagePending || c.Stage == repository.StageBooked {
			return &errors.InvalidStateTransitionError{
				Entity:   "campaign",
				EntityID: campaignID,
				From:     c.Stage.String(),
				To:       c.Stage.String(),
				Reason:   "schedule is locked while a reservation is pending approval or booked",
			}
		}
		if err := e.store.ReplaceSchedule(ctx, campaignID, items); err != nil {
			return err
		}
		result = &StageResult{Campaign: c}
		if c.Stage != repository.StageActive || len(items) == 0 {
			return nil
		}
		return e.moveStage(ctx, c, repository.StageProspecting, "schedule attached", actor, nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Schedule returns the campaign's current schedule.
func (e *Engine) Schedule(ctx context.Context, campaignID string) ([]*repository.ScheduleItem, error) {
	return e.store.ListSchedule(ctx, campaignID)
}

// Campaign returns the engine view of a campaign.
func (e *Engine) Campaign(ctx context.Context, id string) (*repository.Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

// moveStage writes c at stage to when the stored stage still equals c.Stage,
// and records the transition. A lost race fails with errConcurrentUpdate.
func (e *Engine) moveStage(ctx context.Context, c *repository.Campaign, to repository.ProbabilityStage, reason, actor string, metadata map[string]interface{}) error {
	from := c.Stage
	c.Stage = to
	c.UpdatedAt = e.clock.Now()
	ok, err := e.store.UpdateCampaignState(ctx, c, from)
	if err != nil {
		return err
	}
	if !ok {
		c.Stage = from
		return errConcurrentUpdate
	}
	if from != to {
		if err := e.history.campaign(ctx, c.ID, from, to, reason, actor, metadata); err != nil {
			return err
		}
		e.metrics.stageTransition(from.String(), to.String())
	}
	return nil
}

// ── Stage advancement ────────────────────────────────────────────────────────

// AdvanceStage performs an explicit stage transition. Advancing to the current
// stage is a no-op. 90 to 100 and 90 to 65 happen only through approval
// decisions.
func (e *Engine) AdvanceStage(ctx context.Context, campaignID string, target repository.ProbabilityStage, actor string) (result *StageResult, err error) {
	ctx, end := e.span(ctx, "AdvanceStage", attribute.String("campaign_id", campaignID), attribute.Int("target", int(target)))
	defer func() { end(err) }()

	if !target.Valid() {
		return nil, errors.InvalidInput("target_stage", fmt.Sprintf("unknown stage %d", int(target)))
	}
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Stage == target {
		return &StageResult{Campaign: c}, nil
	}

	switch {
	case c.Stage == repository.StageActive && target == repository.StageProspecting:
		return e.advanceToProspecting(ctx, campaignID, actor)
	case c.Stage == repository.StageProspecting && target == repository.StageVerbal:
		return e.advanceToVerbal(ctx, campaignID, actor)
	case c.Stage == repository.StageVerbal && target == repository.StagePending:
		return e.advanceToPending(ctx, c, actor)
	}

	reason := "transition is not allowed"
	switch {
	case c.Stage == repository.StageBooked:
		reason = "booked campaigns are final"
	case c.Stage == repository.StagePending:
		reason = "pending campaigns move only through an approval decision or a cancelled hold"
	case target == repository.StageBooked:
		reason = "booking requires a held reservation and an approval decision"
	}
	return nil, &errors.InvalidStateTransitionError{
		Entity:   "campaign",
		EntityID: campaignID,
		From:     c.Stage.String(),
		To:       target.String(),
		Reason:   reason,
	}
}

func (e *Engine) advanceToProspecting(ctx context.Context, campaignID, actor string) (*StageResult, error) {
	result := &StageResult{}
	err := e.tx.run(ctx, "campaign "+campaignID, func(ctx context.Context) error {
		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		result.Campaign = c
		if c.Stage == repository.StageProspecting {
			return nil
		}
		if c.Stage != repository.StageActive {
			return stageError(c, repository.StageProspecting, "campaign moved concurrently")
		}
		schedule, err := e.store.ListSchedule(ctx, campaignID)
		if err != nil {
			return err
		}
		if !hasValidLine(schedule) {
			return stageError(c, repository.StageProspecting, "schedule has no valid items")
		}
		return e.moveStage(ctx, c, repository.StageProspecting, "advanced", actor, nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) advanceToVerbal(ctx context.Context, campaignID, actor string) (*StageResult, error) {
	result := &StageResult{}
	var out outbox
	err := e.tx.run(ctx, "campaign "+campaignID, func(ctx context.Context) error {
		out = nil
		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		result.Campaign = c
		if c.Stage != repository.StageProspecting {
			return stageError(c, repository.StageVerbal, "campaign moved concurrently")
		}
		if err := e.moveStage(ctx, c, repository.StageVerbal, "verbal agreement", actor, nil); err != nil {
			return err
		}
		schedule, err := e.store.ListSchedule(ctx, campaignID)
		if err != nil {
			return err
		}
		result.TalentRequests, err = e.approvals.EnsureTalentRequests(ctx, campaignID, schedule, actor)
		if err != nil {
			return err
		}
		for _, r := range result.TalentRequests {
			out.add(RoleTalent, EventTalentApprovalRequested, talentPayload(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, out)
	return result, nil
}

// advanceToPending reserves the full schedule and either parks the campaign at
// 90 behind an admin approval or books it straight through.
func (e *Engine) advanceToPending(ctx context.Context, c *repository.Campaign, actor string) (*StageResult, error) {
	schedule, err := e.store.ListSchedule(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if len(schedule) == 0 {
		return nil, stageError(c, repository.StagePending, "schedule is empty")
	}

	// Missing talent requests are committed on their own so they survive a
	// blocked transition.
	issued, err := e.approvals.EnsureTalentRequests(ctx, c.ID, schedule, actor)
	if err != nil {
		return nil, err
	}
	var notices outbox
	for _, r := range issued {
		notices.add(RoleTalent, EventTalentApprovalRequested, talentPayload(r))
	}
	e.flush(ctx, notices)

	blockers, err := e.approvals.TalentBlockers(ctx, c.ID, schedule)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 0 {
		blocked := stageError(c, repository.StagePending, "talent approval outstanding")
		for _, b := range blockers {
			blocked.Blockers = append(blocked.Blockers, fmt.Sprintf("%s talent approval %s for %s/%s", b.Status, b.ID, b.ShowID, b.PlacementType))
		}
		return nil, blocked
	}

	input := CreateReservationInput{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		Items:      schedule,
		Profile:    profileOf(c),
		CreatedBy:  actor,
	}

	result := &StageResult{}
	var out outbox
	err = e.tx.run(ctx, "campaign "+c.ID, func(ctx context.Context) error {
		out = nil
		*result = StageResult{}
		cur, err := e.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return err
		}
		if cur.Stage != repository.StageVerbal {
			return stageError(cur, repository.StagePending, "campaign moved concurrently")
		}
		input.Profile = profileOf(cur)

		res, err := e.reservations.CreateReservation(ctx, input)
		if err != nil {
			return err
		}
		rateCards := make(map[repository.SlotKey]int64)
		for _, g := range groupByKey(res.Items) {
			rc, err := e.ledger.rateCard(ctx, g.key)
			if err != nil {
				return err
			}
			rateCards[g.key] = rc
		}
		deviation := EvaluateRateDeviation(res.Items, rateCards)

		if e.approvals.RequiresAdminApproval(deviation) {
			a, err := e.approvals.RequestAdminApproval(ctx, cur.ID, res.ID, deviation, actor)
			if err != nil {
				return err
			}
			cur.ReservationID = &res.ID
			cur.ApprovalRequestID = &a.ID
			if err := e.moveStage(ctx, cur, repository.StagePending, "reservation held, admin approval required", actor, map[string]interface{}{
				"reservation_id": res.ID,
				"approval_id":    a.ID,
				"rate_deviation": deviation.String(),
			}); err != nil {
				return err
			}
			*result = StageResult{Campaign: cur, Reservation: res, Approval: a}
			out.add(RoleAdmin, EventAdminApprovalRequested, map[string]interface{}{
				"campaign_id":    cur.ID,
				"approval_id":    a.ID,
				"reservation_id": res.ID,
				"rate_deviation": deviation.String(),
			})
			return nil
		}

		cur.ReservationID = &res.ID
		cur.ApprovalRequestID = nil
		if err := e.moveStage(ctx, cur, repository.StagePending, "reservation held", actor, map[string]interface{}{
			"reservation_id": res.ID,
			"rate_deviation": deviation.String(),
		}); err != nil {
			return err
		}
		confirmed, orderID, err := e.book(ctx, cur, res.ID, actor, "auto-approved within rate-card threshold", nil)
		if err != nil {
			return err
		}
		*result = StageResult{Campaign: cur, Reservation: confirmed, OrderID: orderID}
		out.add(RoleSales, EventCampaignBooked, map[string]interface{}{
			"campaign_id":    cur.ID,
			"reservation_id": res.ID,
			"order_id":       orderID,
		})
		return nil
	})
	if err != nil {
		e.reservations.RecordFailedAttempt(ctx, input, err)
		return nil, err
	}
	e.flush(ctx, out)

	e.log.Info().
		Str("campaign_id", c.ID).
		Str("reservation_id", input.ID).
		Int("stage", int(result.Campaign.Stage)).
		Msg("Campaign reservation placed")

	return result, nil
}

// book confirms the reservation, creates the order and moves a stage 90
// campaign to 100. It must run inside a unit of work.
func (e *Engine) book(ctx context.Context, c *repository.Campaign, reservationID, actor, reason string, metadata map[string]interface{}) (*repository.Reservation, string, error) {
	res, err := e.reservations.ConfirmReservation(ctx, reservationID, actor)
	if err != nil {
		return nil, "", err
	}
	orderID, err := e.orders.CreateOrderFromReservation(ctx, reservationID)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CodeOf(err), "failed to create order from reservation")
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["reservation_id"] = reservationID
	metadata["order_id"] = orderID
	if err := e.moveStage(ctx, c, repository.StageBooked, reason, actor, metadata); err != nil {
		return nil, "", err
	}
	return res, orderID, nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// DecideApproval applies an admin decision. Approve books the campaign;
// reject releases the hold and returns the campaign to 65.
func (e *Engine) DecideApproval(ctx context.Context, approvalID string, action Decision, decidedBy, notes string) (result *StageResult, err error) {
	ctx, end := e.span(ctx, "DecideApproval", attribute.String("approval_id", approvalID), attribute.String("action", string(action)))
	defer func() { end(err) }()

	if action == DecisionDeny {
		action = DecisionReject
	}
	if action != DecisionApprove && action != DecisionReject {
		return nil, errors.InvalidInput("action", "must be approve or reject")
	}
	if decidedBy == "" {
		return nil, errors.InvalidInput("decided_by", "is required")
	}

	result = &StageResult{}
	var out outbox
	err = e.tx.run(ctx, "approval "+approvalID, func(ctx context.Context) error {
		out = nil
		*result = StageResult{}
		a, err := e.store.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if a.Status != repository.ApprovalPending {
			return adminDecidedError(a)
		}
		c, err := e.store.GetCampaign(ctx, a.CampaignID)
		if err != nil {
			return err
		}
		if c.Stage != repository.StagePending || c.ApprovalRequestID == nil || *c.ApprovalRequestID != a.ID {
			return stageError(c, repository.StageBooked, "approval no longer governs the campaign")
		}

		if action == DecisionApprove {
			var notesPtr *string
			if notes != "" {
				notesPtr = &notes
			}
			if err := e.approvals.MarkDecided(ctx, a, repository.ApprovalApproved, decidedBy, notesPtr); err != nil {
				return err
			}
			res, orderID, err := e.book(ctx, c, a.ReservationID, decidedBy, "admin approved", map[string]interface{}{
				"approval_id": a.ID,
			})
			if err != nil {
				return err
			}
			*result = StageResult{Campaign: c, Reservation: res, Approval: a, OrderID: orderID}
			out.add(RoleSales, EventAdminApprovalDecided, approvalPayload(a))
			out.add(RoleSales, EventCampaignBooked, map[string]interface{}{
				"campaign_id":    c.ID,
				"reservation_id": a.ReservationID,
				"order_id":       orderID,
			})
			return nil
		}

		reason := notes
		if reason == "" {
			reason = "rejected"
		}
		if err := e.approvals.MarkDecided(ctx, a, repository.ApprovalRejected, decidedBy, &reason); err != nil {
			return err
		}
		res, _, err := e.reservations.release(ctx, a.ReservationID, ReleaseOptions{
			Reason:  reason,
			Actor:   decidedBy,
			Outcome: repository.ReservationCancelled,
		})
		if err != nil {
			return err
		}
		c.ReservationID = nil
		c.ApprovalRequestID = nil
		if err := e.moveStage(ctx, c, repository.StageVerbal, reason, decidedBy, map[string]interface{}{
			"approval_id":    a.ID,
			"reservation_id": a.ReservationID,
		}); err != nil {
			return err
		}
		*result = StageResult{Campaign: c, Reservation: res, Approval: a}
		out.add(RoleSales, EventAdminApprovalDecided, approvalPayload(a))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, out)

	e.log.Info().
		Str("approval_id", approvalID).
		Str("campaign_id", result.Campaign.ID).
		Str("action", string(action)).
		Str("decided_by", decidedBy).
		Msg("Admin approval decided")

	return result, nil
}

// DecideTalentApproval applies a talent decision.
func (e *Engine) DecideTalentApproval(ctx context.Context, requestID string, action Decision, decidedBy, notes string) (req *repository.TalentApprovalRequest, err error) {
	ctx, end := e.span(ctx, "DecideTalentApproval", attribute.String("talent_request_id", requestID))
	defer func() { end(err) }()

	req, err = e.approvals.DecideTalentApproval(ctx, requestID, action, decidedBy, notes)
	if err != nil {
		return nil, err
	}
	e.flush(ctx, outbox{{role: RoleSales, event: EventTalentApprovalDecided, payload: talentPayload(req)}})
	return req, nil
}

// ResubmitTalentApproval replaces a denied talent request with a new pending one.
func (e *Engine) ResubmitTalentApproval(ctx context.Context, requestID, actor string) (req *repository.TalentApprovalRequest, err error) {
	ctx, end := e.span(ctx, "ResubmitTalentApproval", attribute.String("talent_request_id", requestID))
	defer func() { end(err) }()

	req, err = e.approvals.ResubmitTalentApproval(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	e.flush(ctx, outbox{{role: RoleTalent, event: EventTalentApprovalRequested, payload: talentPayload(req)}})
	return req, nil
}

// ListTalentRequests returns every talent request of a campaign.
func (e *Engine) ListTalentRequests(ctx context.Context, campaignID string) ([]*repository.TalentApprovalRequest, error) {
	return e.store.ListTalentRequests(ctx, campaignID)
}

// Approval returns an admin approval by id.
func (e *Engine) Approval(ctx context.Context, id string) (*repository.CampaignApproval, error) {
	return e.store.GetApproval(ctx, id)
}

// CancelHold releases the campaign's held reservation by hand, rejects its
// pending approval and returns the campaign to 65.
func (e *Engine) CancelHold(ctx context.Context, campaignID, reason, actor string) (result *StageResult, err error) {
	ctx, end := e.span(ctx, "CancelHold", attribute.String("campaign_id", campaignID))
	defer func() { end(err) }()

	if reason == "" {
		reason = "hold cancelled"
	}
	result = &StageResult{}
	var out outbox
	err = e.tx.run(ctx, "campaign "+campaignID, func(ctx context.Context) error {
		out = nil
		c, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Stage != repository.StagePending || c.ReservationID == nil {
			return stageError(c, repository.StageVerbal, "campaign has no held reservation")
		}
		reservationID := *c.ReservationID
		res, released, err := e.reservations.release(ctx, reservationID, ReleaseOptions{
			Reason:  reason,
			Actor:   actor,
			Outcome: repository.ReservationCancelled,
		})
		if err != nil {
			return err
		}
		if !released {
			return reservationTransitionError(res, repository.ReservationCancelled)
		}

		pending, err := e.store.GetPendingApproval(ctx, campaignID)
		if err != nil {
			return err
		}
		if pending != nil {
			rejection := "hold cancelled: " + reason
			if err := e.approvals.MarkDecided(ctx, pending, repository.ApprovalRejected, actor, &rejection); err != nil {
				return err
			}
		}

		c.ReservationID = nil
		c.ApprovalRequestID = nil
		if err := e.moveStage(ctx, c, repository.StageVerbal, reason, actor, map[string]interface{}{
			"reservation_id": reservationID,
		}); err != nil {
			return err
		}
		*result = StageResult{Campaign: c, Reservation: res, Approval: pending}
		out.add(RoleSales, EventReservationCancelled, map[string]interface{}{
			"campaign_id":    campaignID,
			"reservation_id": reservationID,
			"reason":         reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, out)
	return result, nil
}

// ── Read side and administration ─────────────────────────────────────────────

// CheckAvailability returns a counter snapshot.
func (e *Engine) CheckAvailability(ctx context.Context, episodeID string, placement repository.PlacementType) (Availability, error) {
	return e.ledger.CheckAvailability(ctx, repository.SlotKey{EpisodeID: episodeID, PlacementType: placement})
}

// GetReservation returns a reservation with its items.
func (e *Engine) GetReservation(ctx context.Context, id string) (*repository.Reservation, error) {
	return e.reservations.GetReservation(ctx, id)
}

// ListCampaignReservations returns every reservation of a campaign.
func (e *Engine) ListCampaignReservations(ctx context.Context, campaignID string) ([]*repository.Reservation, error) {
	return e.reservations.ListCampaignReservations(ctx, campaignID)
}

// History returns the audit trail of a campaign or reservation.
func (e *Engine) History(ctx context.Context, entity repository.HistoryEntity, id string) ([]*repository.StatusHistory, error) {
	if entity != repository.HistoryCampaign && entity != repository.HistoryReservation {
		return nil, errors.InvalidInput("entity", "must be campaign or reservation")
	}
	return e.store.ListHistory(ctx, entity, id)
}

// ProvisionInventory creates an episode counter with explicit capacity.
func (e *Engine) ProvisionInventory(ctx context.Context, episodeID string, placement repository.PlacementType, slotsTotal int, unitPrice int64) (*repository.InventorySlotCounter, error) {
	return e.ledger.Provision(ctx, repository.SlotKey{EpisodeID: episodeID, PlacementType: placement}, slotsTotal, unitPrice)
}

// AddRestriction stores a competitive-exclusivity rule.
func (e *Engine) AddRestriction(ctx context.Context, r *repository.Restriction) (*repository.Restriction, error) {
	if err := validateRestriction(r); err != nil {
		return nil, err
	}
	r.CreatedAt = e.clock.Now()
	if err := e.store.CreateRestriction(ctx, r); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("restriction_id", r.ID).
		Str("kind", string(r.Kind)).
		Str("level", string(r.Level)).
		Msg("Restriction added")

	return r, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func stageError(c *repository.Campaign, to repository.ProbabilityStage, reason string) *errors.InvalidStateTransitionError {
	return &errors.InvalidStateTransitionError{
		Entity:   "campaign",
		EntityID: c.ID,
		From:     c.Stage.String(),
		To:       to.String(),
		Reason:   reason,
	}
}

func hasValidLine(schedule []*repository.ScheduleItem) bool {
	for _, item := range schedule {
		if item.Valid() {
			return true
		}
	}
	return false
}

func talentPayload(r *repository.TalentApprovalRequest) map[string]interface{} {
	return map[string]interface{}{
		"talent_request_id": r.ID,
		"campaign_id":       r.CampaignID,
		"show_id":           r.ShowID,
		"placement_type":    string(r.PlacementType),
		"status":            string(r.Status),
	}
}

func approvalPayload(a *repository.CampaignApproval) map[string]interface{} {
	p := map[string]interface{}{
		"approval_id":    a.ID,
		"campaign_id":    a.CampaignID,
		"reservation_id": a.ReservationID,
		"status":         string(a.Status),
	}
	if a.Reason != nil {
		p["reason"] = *a.Reason
	}
	return p
}
