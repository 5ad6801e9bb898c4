package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/testutil"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	store    repository.Store
	clock    *clock.Manual
	notifier *testutil.RecordingNotifier
	orders   *testutil.FakeOrderGenerator
}

func testConfig() EngineConfig {
	return EngineConfig{
		HoldDuration:           48 * time.Hour,
		RateDeviationThreshold: decimal.RequireFromString("0.10"),
		RetryInterval:          time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, testutil.OpenSQLiteStore(t), testConfig(), nil)
}

func newHarnessWith(t *testing.T, store repository.Store, cfg EngineConfig, cat *catalog.Catalog) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		clock:    clock.NewManual(t0),
		notifier: &testutil.RecordingNotifier{},
		orders:   &testutil.FakeOrderGenerator{},
	}
	e, err := NewEngine(cfg, Dependencies{
		Store:    store,
		Catalog:  cat,
		Clock:    h.clock,
		Orders:   h.orders,
		Notifier: h.notifier,
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func line(show, episode string, placement repository.PlacementType, spots int, price int64) *repository.ScheduleItem {
	return &repository.ScheduleItem{
		ShowID:        show,
		EpisodeID:     episode,
		PlacementType: placement,
		SpotCount:     spots,
		UnitPrice:     price,
		AirDate:       time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

// campaignAtVerbal registers a campaign, attaches items and walks it to stage 65.
func (h *harness) campaignAtVerbal(t *testing.T, id string, categories []string, items ...*repository.ScheduleItem) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{
		ID:           id,
		AdvertiserID: "adv-" + id,
		Categories:   categories,
		CreatedBy:    "rep-1",
	})
	require.NoError(t, err)
	_, err = h.engine.AttachSchedule(ctx, id, items, "rep-1")
	require.NoError(t, err)
	_, err = h.engine.AdvanceStage(ctx, id, repository.StageVerbal, "rep-1")
	require.NoError(t, err)
}

func (h *harness) availability(t *testing.T, episode string, placement repository.PlacementType) Availability {
	t.Helper()
	a, err := h.engine.CheckAvailability(context.Background(), episode, placement)
	require.NoError(t, err)
	return a
}

func (h *harness) stage(t *testing.T, id string) repository.ProbabilityStage {
	t.Helper()
	c, err := h.engine.Campaign(context.Background(), id)
	require.NoError(t, err)
	return c.Stage
}

func TestNewEngine_RequiresConfigAndCollaborators(t *testing.T) {
	store := testutil.OpenSQLiteStore(t)

	_, err := NewEngine(EngineConfig{RateDeviationThreshold: decimal.RequireFromString("0.1")}, Dependencies{Store: store, Orders: &testutil.FakeOrderGenerator{}})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = NewEngine(testConfig(), Dependencies{Orders: &testutil.FakeOrderGenerator{}})
	require.Error(t, err)

	_, err = NewEngine(testConfig(), Dependencies{Store: store})
	require.Error(t, err)

	e, err := NewEngine(testConfig(), Dependencies{Store: store, Orders: &testutil.FakeOrderGenerator{}})
	require.NoError(t, err)
	assert.NotNil(t, e.Ledger())
	assert.NotNil(t, e.Reservations())
	assert.NotNil(t, e.Approvals())
}

func TestEngine_AttachScheduleMovesToProspectingOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1", CreatedBy: "rep-1"})
	require.NoError(t, err)
	assert.Equal(t, repository.StageActive, h.stage(t, "c1"))

	_, err = h.engine.AttachSchedule(ctx, "c1", []*repository.ScheduleItem{
		line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000),
	}, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageProspecting, h.stage(t, "c1"))

	_, err = h.engine.AttachSchedule(ctx, "c1", []*repository.ScheduleItem{
		line("show-1", "ep-1", repository.PlacementMidRoll, 2, 3000),
		line("show-1", "ep-2", repository.PlacementPreRoll, 1, 2500),
	}, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageProspecting, h.stage(t, "c1"))

	history, err := h.engine.History(ctx, repository.HistoryCampaign, "c1")
	require.NoError(t, err)
	toProspecting := 0
	for _, entry := range history {
		if entry.ToStatus == "35" {
			toProspecting++
		}
	}
	assert.Equal(t, 1, toProspecting)

	schedule, err := h.engine.Schedule(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, schedule, 2)
}

func TestEngine_AttachScheduleRejectsInvalidLines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)

	_, err = h.engine.AttachSchedule(ctx, "c1", []*repository.ScheduleItem{
		line("show-1", "ep-1", repository.PlacementMidRoll, 0, 3000),
	}, "rep-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Equal(t, repository.StageActive, h.stage(t, "c1"))
}

func TestEngine_AdvanceStageRejectsSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StageProspecting, "rep-1")
	var transition *errors.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition), "empty schedule cannot reach 35: %v", err)

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StageBooked, "rep-1")
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, "10", transition.From)
	assert.Equal(t, "100", transition.To)

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.ProbabilityStage(50), "rep-1")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	result, err := h.engine.AdvanceStage(ctx, "c1", repository.StageActive, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageActive, result.Campaign.Stage)
}

func TestEngine_AutoBooksWithinThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.campaignAtVerbal(t, "c1", nil,
		line("show-1", "ep-1", repository.PlacementMidRoll, 2, 2800),
	)

	result, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.NoError(t, err)

	assert.Equal(t, repository.StageBooked, result.Campaign.Stage)
	assert.Equal(t, "order-1", result.OrderID)
	require.NotNil(t, result.Reservation)
	assert.Equal(t, repository.ReservationConfirmed, result.Reservation.Status)
	assert.Nil(t, result.Approval)

	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 1, a.Available)
	assert.Equal(t, 0, a.Reserved)
	assert.Equal(t, 2, a.Booked)

	assert.Equal(t, 1, h.notifier.Count(EventCampaignBooked))
	assert.Equal(t, 1, h.orders.Orders())

	history, err := h.engine.History(ctx, repository.HistoryCampaign, "c1")
	require.NoError(t, err)
	var stages []string
	for _, entry := range history {
		stages = append(stages, entry.FromStatus+"->"+entry.ToStatus)
	}
	assert.Equal(t, []string{"->10", "10->35", "35->65", "65->90", "90->100"}, stages)
}

func TestEngine_RateDeviationRequiresAdminApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.campaignAtVerbal(t, "c1", nil,
		line("show-1", "ep-1", repository.PlacementMidRoll, 2, 2000),
	)

	result, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.NoError(t, err)

	assert.Equal(t, repository.StagePending, result.Campaign.Stage)
	require.NotNil(t, result.Approval)
	assert.Equal(t, repository.ApprovalPending, result.Approval.Status)
	assert.True(t, result.Approval.RateDeviationPct.GreaterThan(decimal.RequireFromString("0.33")))
	require.NotNil(t, result.Campaign.ReservationID)
	require.NotNil(t, result.Campaign.ApprovalRequestID)
	assert.Equal(t, result.Approval.ID, *result.Campaign.ApprovalRequestID)
	assert.Equal(t, repository.ReservationHeld, result.Reservation.Status)
	assert.Equal(t, t0.Add(48*time.Hour), result.Reservation.ExpiresAt)
	assert.Equal(t, int64(4000), result.Reservation.TotalAmount)

	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 1, a.Available)
	assert.Equal(t, 2, a.Reserved)
	assert.Equal(t, 1, h.notifier.Count(EventAdminApprovalRequested))
	assert.Equal(t, 0, h.orders.Calls())

	t.Run("approve books the campaign", func(t *testing.T) {
		booked, err := h.engine.DecideApproval(ctx, result.Approval.ID, DecisionApprove, "admin-1", "")
		require.NoError(t, err)
		assert.Equal(t, repository.StageBooked, booked.Campaign.Stage)
		assert.Equal(t, repository.ApprovalApproved, booked.Approval.Status)
		assert.Equal(t, repository.ReservationConfirmed, booked.Reservation.Status)
		assert.NotEmpty(t, booked.OrderID)

		a := h.availability(t, "ep-1", repository.PlacementMidRoll)
		assert.Equal(t, 0, a.Reserved)
		assert.Equal(t, 2, a.Booked)
	})

	t.Run("second decision is refused", func(t *testing.T) {
		_, err := h.engine.DecideApproval(ctx, result.Approval.ID, DecisionReject, "admin-2", "late")
		var decided *errors.ApprovalAlreadyDecidedError
		require.True(t, errors.As(err, &decided))
		assert.Equal(t, string(repository.ApprovalApproved), decided.Status)
	})

	t.Run("booked campaigns are final", func(t *testing.T) {
		_, err := h.engine.AdvanceStage(ctx, "c1", repository.StageVerbal, "rep-1")
		var transition *errors.InvalidStateTransitionError
		require.True(t, errors.As(err, &transition))
	})
}

func TestEngine_RejectReleasesExactlyTheHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another campaign already holds one slot of the same counter.
	h.campaignAtVerbal(t, "other", nil, line("show-1", "ep-1", repository.PlacementMidRoll, 1, 1000))
	_, err := h.engine.AdvanceStage(ctx, "other", repository.StagePending, "rep-2")
	require.NoError(t, err)

	h.campaignAtVerbal(t, "c1", nil, line("show-1", "ep-1", repository.PlacementMidRoll, 2, 2000))
	held, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.NoError(t, err)

	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 0, a.Available)
	assert.Equal(t, 3, a.Reserved)

	result, err := h.engine.DecideApproval(ctx, held.Approval.ID, DecisionReject, "admin-1", "budget too low")
	require.NoError(t, err)

	assert.Equal(t, repository.StageVerbal, result.Campaign.Stage)
	assert.Nil(t, result.Campaign.ReservationID)
	assert.Nil(t, result.Campaign.ApprovalRequestID)
	assert.Equal(t, repository.ApprovalRejected, result.Approval.Status)
	require.NotNil(t, result.Approval.Reason)
	assert.Equal(t, "budget too low", *result.Approval.Reason)

	res, err := h.engine.GetReservation(ctx, held.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ReservationCancelled, res.Status)
	require.NotNil(t, res.ReleaseReason)
	assert.Equal(t, "budget too low", *res.ReleaseReason)
	for _, item := range res.Items {
		assert.Equal(t, repository.ItemReleased, item.Status)
	}

	a = h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 2, a.Available)
	assert.Equal(t, 1, a.Reserved, "the other campaign's hold is untouched")

	c, err := h.engine.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageVerbal, c.Stage)
	assert.Nil(t, c.ReservationID)

	history, err := h.engine.History(ctx, repository.HistoryReservation, held.Reservation.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "held", history[0].ToStatus)
	assert.Equal(t, "cancelled", history[1].ToStatus)
	assert.Equal(t, "admin-1", history[1].Actor)

	t.Run("campaign can reserve again", func(t *testing.T) {
		again, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
		require.NoError(t, err)
		assert.NotEqual(t, held.Reservation.ID, again.Reservation.ID)
	})
}

func TestEngine_DecideApprovalValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.DecideApproval(ctx, "missing", DecisionApprove, "", "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = h.engine.DecideApproval(ctx, "missing", Decision("maybe"), "admin-1", "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = h.engine.DecideApproval(ctx, "missing", DecisionApprove, "admin-1", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestEngine_InsufficientInventoryLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ProvisionInventory(ctx, "ep-2", repository.PlacementMidRoll, 0, 3000)
	require.NoError(t, err)
	h.campaignAtVerbal(t, "c1", nil,
		line("show-1", "ep-1", repository.PlacementPreRoll, 1, 2500),
		line("show-1", "ep-2", repository.PlacementMidRoll, 1, 3000),
	)

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	var insufficient *errors.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.Equal(t, "ep-2", insufficient.EpisodeID)

	assert.Equal(t, repository.StageVerbal, h.stage(t, "c1"))
	a := h.availability(t, "ep-1", repository.PlacementPreRoll)
	assert.Equal(t, 0, a.Reserved)
	assert.Equal(t, 2, a.Available)

	reservations, err := h.engine.ListCampaignReservations(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	failed := reservations[0]
	assert.Equal(t, repository.ReservationFailed, failed.Status)
	require.Len(t, failed.Items, 2)
	assert.Equal(t, repository.ItemReleased, failed.Items[0].Status)
	assert.Equal(t, repository.ItemBlocked, failed.Items[1].Status)
}

func TestEngine_ConflictBlocksReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	show := "show-1"
	category := "alcohol"
	_, err := h.engine.AddRestriction(ctx, &repository.Restriction{
		Kind:     repository.RestrictionCategoryBlocked,
		Level:    repository.LevelShow,
		ShowID:   &show,
		Category: &category,
	})
	require.NoError(t, err)

	h.campaignAtVerbal(t, "c1", []string{"Alcohol"}, line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000))

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	var conflict *errors.ConflictDetectedError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, "alcohol", conflict.Category)

	assert.Equal(t, repository.StageVerbal, h.stage(t, "c1"))
	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 0, a.Reserved)

	reservations, err := h.engine.ListCampaignReservations(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, repository.ReservationFailed, reservations[0].Status)
}

func TestEngine_TalentApprovalGatesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.campaignAtVerbal(t, "c1", nil,
		line("show-1", "ep-1", repository.PlacementHostRead, 1, 5000),
		line("show-1", "ep-2", repository.PlacementHostRead, 1, 5000),
		line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000),
	)

	requests, err := h.engine.ListTalentRequests(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, requests, 1, "one request per show and placement")
	assert.Equal(t, repository.TalentPending, requests[0].Status)
	assert.Equal(t, 1, h.notifier.Count(EventTalentApprovalRequested))

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	var transition *errors.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition))
	require.Len(t, transition.Blockers, 1)
	assert.Equal(t, repository.StageVerbal, h.stage(t, "c1"))

	denied, err := h.engine.DecideTalentApproval(ctx, requests[0].ID, DecisionDeny, "host-1", "not a fit")
	require.NoError(t, err)
	assert.Equal(t, repository.TalentDenied, denied.Status)

	_, err = h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.True(t, errors.As(err, &transition), "denied request still blocks")

	fresh, err := h.engine.ResubmitTalentApproval(ctx, requests[0].ID, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.TalentPending, fresh.Status)
	assert.NotEqual(t, requests[0].ID, fresh.ID)

	_, err = h.engine.DecideTalentApproval(ctx, fresh.ID, DecisionApprove, "host-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, h.notifier.Count(EventTalentApprovalDecided))

	result, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageBooked, result.Campaign.Stage)

	all, err := h.engine.ListTalentRequests(ctx, "c1")
	require.NoError(t, err)
	statuses := map[repository.TalentApprovalStatus]int{}
	for _, r := range all {
		statuses[r.Status]++
	}
	assert.Equal(t, map[repository.TalentApprovalStatus]int{
		repository.TalentExpired:  1,
		repository.TalentApproved: 1,
	}, statuses)
}

func TestEngine_CancelHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.campaignAtVerbal(t, "c1", nil, line("show-1", "ep-1", repository.PlacementMidRoll, 2, 2000))

	_, err := h.engine.CancelHold(ctx, "c1", "client paused", "rep-1")
	var transition *errors.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition), "no hold yet")

	held, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.NoError(t, err)

	result, err := h.engine.CancelHold(ctx, "c1", "client paused", "rep-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StageVerbal, result.Campaign.Stage)
	assert.Equal(t, repository.ReservationCancelled, result.Reservation.Status)
	require.NotNil(t, result.Approval)
	assert.Equal(t, repository.ApprovalRejected, result.Approval.Status)
	assert.Equal(t, "hold cancelled: client paused", *result.Approval.Reason)
	assert.Equal(t, 1, h.notifier.Count(EventReservationCancelled))

	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 3, a.Available)
	assert.Equal(t, 0, a.Reserved)

	_, err = h.engine.DecideApproval(ctx, held.Approval.ID, DecisionApprove, "admin-1", "")
	var decided *errors.ApprovalAlreadyDecidedError
	assert.True(t, errors.As(err, &decided))
}

func TestEngine_OrderFailureRollsBackBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.orders.Err = errors.New(errors.ErrCodeUnavailable, "orders down")
	h.campaignAtVerbal(t, "c1", nil, line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000))

	_, err := h.engine.AdvanceStage(ctx, "c1", repository.StagePending, "rep-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))

	assert.Equal(t, repository.StageVerbal, h.stage(t, "c1"))
	a := h.availability(t, "ep-1", repository.PlacementMidRoll)
	assert.Equal(t, 3, a.Available)
	assert.Equal(t, 0, a.Reserved)
	assert.Equal(t, 0, a.Booked)

	reservations, err := h.engine.ListCampaignReservations(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, reservations, "only inventory and conflict failures are recorded")
	assert.Equal(t, 0, h.notifier.Count(EventCampaignBooked))
}

func TestEngine_AddRestrictionValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AddRestriction(context.Background(), &repository.Restriction{
		Kind:  repository.RestrictionCategoryBlocked,
		Level: repository.LevelShow,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestEngine_HistoryRejectsUnknownEntity(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.History(context.Background(), repository.HistoryEntity("episode"), "x")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}
