package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/shopspring/decimal"
)

// Decision is the action taken on an approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionDeny    Decision = "deny"
)

// ParseDecision accepts approve, reject and deny.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionApprove, DecisionReject, DecisionDeny:
		return d, nil
	}
	return "", errors.InvalidInput("action", fmt.Sprintf("unknown decision %q", s))
}

// ApprovalGate owns talent approval requests and admin rate-card approvals.
type ApprovalGate struct {
	store   repository.Store
	catalog *catalog.Catalog
	clock   clock.Clock
	cfg     EngineConfig
	tx      *txRunner
	metrics *Metrics
	log     *logger.Logger
}

// NewApprovalGate creates a new approval gate.
func NewApprovalGate(store repository.Store, cat *catalog.Catalog, clk clock.Clock, cfg EngineConfig, tx *txRunner, metrics *Metrics, log *logger.Logger) *ApprovalGate {
	return &ApprovalGate{
		store:   store,
		catalog: cat,
		clock:   clk,
		cfg:     cfg,
		tx:      tx,
		metrics: metrics,
		log:     log,
	}
}

// ── Talent approval ──────────────────────────────────────────────────────────

type talentKey struct {
	showID    string
	placement repository.PlacementType
}

func (k talentKey) String() string {
	return k.showID + "/" + string(k.placement)
}

// talentKeys returns the distinct (show, placement) pairs of the schedule that
// need a talent decision, sorted.
func (g *ApprovalGate) talentKeys(schedule []*repository.ScheduleItem) []talentKey {
	seen := make(map[talentKey]bool)
	var keys []talentKey
	for _, item := range schedule {
		if !g.catalog.RequiresTalentApproval(item.PlacementType) {
			continue
		}
		k := talentKey{showID: item.ShowID, placement: item.PlacementType}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].showID != keys[j].showID {
			return keys[i].showID < keys[j].showID
		}
		return keys[i].placement < keys[j].placement
	})
	return keys
}

// EnsureTalentRequests creates a PENDING request for each talent-gated
// (show, placement) in the schedule that has no non-expired request yet.
// It returns the requests it created.
func (g *ApprovalGate) EnsureTalentRequests(ctx context.Context, campaignID string, schedule []*repository.ScheduleItem, actor string) ([]*repository.TalentApprovalRequest, error) {
	keys := g.talentKeys(schedule)
	if len(keys) == 0 {
		return nil, nil
	}

	var created []*repository.TalentApprovalRequest
	err := g.tx.run(ctx, "talent approvals "+campaignID, func(ctx context.Context) error {
		created = nil
		existing, err := g.store.ListTalentRequests(ctx, campaignID)
		if err != nil {
			return err
		}
		covered := make(map[talentKey]bool)
		for _, r := range existing {
			if r.Status != repository.TalentExpired {
				covered[talentKey{showID: r.ShowID, placement: r.PlacementType}] = true
			}
		}

		now := g.clock.Now()
		for _, k := range keys {
			if covered[k] {
				continue
			}
			r := &repository.TalentApprovalRequest{
				CampaignID:    campaignID,
				ShowID:        k.showID,
				PlacementType: k.placement,
				Status:        repository.TalentPending,
				RequestedBy:   actor,
				CreatedAt:     now,
			}
			if err := g.store.CreateTalentRequest(ctx, r); err != nil {
				return err
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range created {
		g.log.Info().
			Str("talent_request_id", r.ID).
			Str("campaign_id", campaignID).
			Str("show_id", r.ShowID).
			Str("placement_type", string(r.PlacementType)).
			Msg("Talent approval requested")
	}
	return created, nil
}

// TalentBlockers lists the requests that keep the campaign from reserving:
// every PENDING request, and DENIED requests whose (show, placement) is still
// scheduled.
func (g *ApprovalGate) TalentBlockers(ctx context.Context, campaignID string, schedule []*repository.ScheduleItem) ([]*repository.TalentApprovalRequest, error) {
	requests, err := g.store.ListTalentRequests(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	scheduled := make(map[talentKey]bool)
	for _, item := range schedule {
		scheduled[talentKey{showID: item.ShowID, placement: item.PlacementType}] = true
	}
	// A later APPROVED request for the same pair clears an older denial.
	var blockers []*repository.TalentApprovalRequest
	for _, r := range requests {
		k := talentKey{showID: r.ShowID, placement: r.PlacementType}
		switch r.Status {
		case repository.TalentPending:
			blockers = append(blockers, r)
		case repository.TalentDenied:
			if scheduled[k] && !supersededDenial(requests, r) {
				blockers = append(blockers, r)
			}
		}
	}
	return blockers, nil
}

func supersededDenial(requests []*repository.TalentApprovalRequest, denied *repository.TalentApprovalRequest) bool {
	for _, r := range requests {
		if r.ID == denied.ID || r.ShowID != denied.ShowID || r.PlacementType != denied.PlacementType {
			continue
		}
		if r.Status == repository.TalentApproved && r.CreatedAt.After(denied.CreatedAt) {
			return true
		}
	}
	return false
}

// DecideTalentApproval approves or denies a PENDING request. Decisions are final.
func (g *ApprovalGate) DecideTalentApproval(ctx context.Context, id string, decision Decision, decidedBy, notes string) (*repository.TalentApprovalRequest, error) {
	var to repository.TalentApprovalStatus
	switch decision {
	case DecisionApprove:
		to = repository.TalentApproved
	case DecisionDeny, DecisionReject:
		to = repository.TalentDenied
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown decision %q", decision))
	}
	if decidedBy == "" {
		return nil, errors.InvalidInput("decided_by", "is required")
	}

	var req *repository.TalentApprovalRequest
	err := g.tx.run(ctx, "talent approval "+id, func(ctx context.Context) error {
		var err error
		req, err = g.store.GetTalentRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != repository.TalentPending {
			return talentDecidedError(req)
		}
		now := g.clock.Now()
		var notesPtr *string
		if notes != "" {
			notesPtr = &notes
		}
		ok, err := g.store.TransitionTalentRequest(ctx, id, repository.TalentPending, to, decidedBy, notesPtr, now)
		if err != nil {
			return err
		}
		if !ok {
			return talentDecidedError(req)
		}
		req.Status = to
		req.DecidedBy = &decidedBy
		req.DecidedAt = &now
		if notesPtr != nil {
			req.Notes = notesPtr
		}
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.metrics.approvalDecision("talent", string(to))

	g.log.Info().
		Str("talent_request_id", id).
		Str("campaign_id", req.CampaignID).
		Str("status", string(to)).
		Str("decided_by", decidedBy).
		Msg("Talent approval decided")

	return req, nil
}

// ResubmitTalentApproval supersedes a DENIED request with a fresh PENDING one.
func (g *ApprovalGate) ResubmitTalentApproval(ctx context.Context, id, actor string) (*repository.TalentApprovalRequest, error) {
	var fresh *repository.TalentApprovalRequest
	err := g.tx.run(ctx, "talent approval "+id, func(ctx context.Context) error {
		old, err := g.store.GetTalentRequest(ctx, id)
		if err != nil {
			return err
		}
		if old.Status != repository.TalentDenied {
			return &errors.InvalidStateTransitionError{
				Entity:   "talent_approval_request",
				EntityID: id,
				From:     string(old.Status),
				To:       string(repository.TalentPending),
				Reason:   "only denied requests can be resubmitted",
			}
		}
		now := g.clock.Now()
		superseded := "resubmitted"
		ok, err := g.store.TransitionTalentRequest(ctx, id, repository.TalentDenied, repository.TalentExpired, actor, &superseded, now)
		if err != nil {
			return err
		}
		if !ok {
			return talentDecidedError(old)
		}
		fresh = &repository.TalentApprovalRequest{
			CampaignID:    old.CampaignID,
			ShowID:        old.ShowID,
			PlacementType: old.PlacementType,
			Status:        repository.TalentPending,
			RequestedBy:   actor,
			CreatedAt:     now,
		}
		return g.store.CreateTalentRequest(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}

	g.log.Info().
		Str("talent_request_id", fresh.ID).
		Str("superseded_id", id).
		Str("campaign_id", fresh.CampaignID).
		Msg("Talent approval resubmitted")

	return fresh, nil
}

// ExpireStaleTalentRequests expires PENDING requests created before the cutoff.
func (g *ApprovalGate) ExpireStaleTalentRequests(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := g.store.ListStaleTalentRequests(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	reason := "no decision before deadline"
	for _, r := range stale {
		ok, err := g.store.TransitionTalentRequest(ctx, r.ID, repository.TalentPending, repository.TalentExpired, SystemActor, &reason, g.clock.Now())
		if err != nil {
			g.log.Warn().Err(err).Str("talent_request_id", r.ID).Msg("Failed to expire talent request")
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func talentDecidedError(r *repository.TalentApprovalRequest) error {
	return &errors.ApprovalAlreadyDecidedError{
		ApprovalID: r.ID,
		Kind:       "talent approval request",
		Status:     string(r.Status),
	}
}

// ── Admin (rate-card) approval ───────────────────────────────────────────────

// EvaluateRateDeviation returns the largest fraction by which a negotiated
// price undercuts its rate card. Items priced at or above the rate card and
// rate cards of zero contribute zero.
func EvaluateRateDeviation(items []*repository.ReservationItem, rateCards map[repository.SlotKey]int64) decimal.Decimal {
	max := decimal.Zero
	for _, item := range items {
		rc := rateCards[item.Key()]
		if rc <= 0 {
			continue
		}
		card := decimal.NewFromInt(rc)
		dev := card.Sub(decimal.NewFromInt(item.UnitPrice)).Div(card)
		if dev.GreaterThan(max) {
			max = dev
		}
	}
	return max
}

// RequiresAdminApproval reports whether deviation exceeds the threshold.
func (g *ApprovalGate) RequiresAdminApproval(deviation decimal.Decimal) bool {
	return deviation.GreaterThan(g.cfg.RateDeviationThreshold)
}

// RequestAdminApproval creates the campaign's pending approval. A second
// pending approval for the same campaign fails with ErrCodeConflict.
func (g *ApprovalGate) RequestAdminApproval(ctx context.Context, campaignID, reservationID string, deviation decimal.Decimal, requestedBy string) (*repository.CampaignApproval, error) {
	a := &repository.CampaignApproval{
		CampaignID:       campaignID,
		ReservationID:    reservationID,
		Status:           repository.ApprovalPending,
		RateDeviationPct: deviation,
		RequestedBy:      requestedBy,
		CreatedAt:        g.clock.Now(),
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}

	g.log.Info().
		Str("approval_id", a.ID).
		Str("campaign_id", campaignID).
		Str("rate_deviation", deviation.StringFixed(4)).
		Msg("Admin approval requested")

	return a, nil
}

// MarkDecided records the decision on a pending approval.
func (g *ApprovalGate) MarkDecided(ctx context.Context, a *repository.CampaignApproval, status repository.ApprovalStatus, decidedBy string, reason *string) error {
	if a.Status != repository.ApprovalPending {
		return adminDecidedError(a)
	}
	now := g.clock.Now()
	ok, err := g.store.DecideApproval(ctx, a.ID, status, decidedBy, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return adminDecidedError(a)
	}
	a.Status = status
	a.DecidedBy = &decidedBy
	a.DecidedAt = &now
	a.Reason = reason
	g.metrics.approvalDecision("admin", string(status))
	return nil
}

func adminDecidedError(a *repository.CampaignApproval) error {
	return &errors.ApprovalAlreadyDecidedError{
		ApprovalID: a.ID,
		Kind:       "campaign approval",
		Status:     string(a.Status),
	}
}
