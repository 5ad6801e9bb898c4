package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

func TestEvaluateRateDeviation(t *testing.T) {
	ep1 := repository.SlotKey{EpisodeID: "ep-1", PlacementType: repository.PlacementMidRoll}
	ep2 := repository.SlotKey{EpisodeID: "ep-2", PlacementType: repository.PlacementPreRoll}
	item := func(key repository.SlotKey, price int64) *repository.ReservationItem {
		return &repository.ReservationItem{EpisodeID: key.EpisodeID, PlacementType: key.PlacementType, SpotCount: 1, UnitPrice: price}
	}

	tests := []struct {
		name  string
		items []*repository.ReservationItem
		cards map[repository.SlotKey]int64
		want  string
	}{
		{"at rate card", []*repository.ReservationItem{item(ep1, 3000)}, map[repository.SlotKey]int64{ep1: 3000}, "0"},
		{"above rate card", []*repository.ReservationItem{item(ep1, 4000)}, map[repository.SlotKey]int64{ep1: 3000}, "0"},
		{"ten percent under", []*repository.ReservationItem{item(ep1, 2700)}, map[repository.SlotKey]int64{ep1: 3000}, "0.1"},
		{"largest undercut wins", []*repository.ReservationItem{item(ep1, 2700), item(ep2, 1250)}, map[repository.SlotKey]int64{ep1: 3000, ep2: 2500}, "0.5"},
		{"zero rate card ignored", []*repository.ReservationItem{item(ep1, 0)}, map[repository.SlotKey]int64{ep1: 0}, "0"},
		{"missing rate card ignored", []*repository.ReservationItem{item(ep2, 100)}, map[repository.SlotKey]int64{ep1: 3000}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateRateDeviation(tt.items, tt.cards)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestApprovalGate_RequiresAdminApproval(t *testing.T) {
	g := newHarness(t).engine.Approvals()

	assert.False(t, g.RequiresAdminApproval(decimal.Zero))
	assert.False(t, g.RequiresAdminApproval(decimal.RequireFromString("0.10")), "the threshold itself auto-approves")
	assert.True(t, g.RequiresAdminApproval(decimal.RequireFromString("0.1001")))
}

func TestParseDecision(t *testing.T) {
	for _, s := range []string{"approve", "reject", "deny"} {
		d, err := ParseDecision(s)
		require.NoError(t, err)
		assert.Equal(t, Decision(s), d)
	}
	_, err := ParseDecision("APPROVE")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func talentSchedule() []*repository.ScheduleItem {
	return []*repository.ScheduleItem{
		line("show-b", "ep-1", repository.PlacementEndorsed, 1, 7500),
		line("show-a", "ep-2", repository.PlacementHostRead, 1, 5000),
		line("show-a", "ep-3", repository.PlacementHostRead, 1, 5000),
		line("show-a", "ep-3", repository.PlacementPreRoll, 1, 2500),
	}
}

func TestApprovalGate_EnsureTalentRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.engine.Approvals()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)

	created, err := g.EnsureTalentRequests(ctx, "c1", talentSchedule(), "rep-1")
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "show-a", created[0].ShowID)
	assert.Equal(t, repository.PlacementHostRead, created[0].PlacementType)
	assert.Equal(t, "show-b", created[1].ShowID)

	again, err := g.EnsureTalentRequests(ctx, "c1", talentSchedule(), "rep-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := g.EnsureTalentRequests(ctx, "c1", []*repository.ScheduleItem{
		line("show-a", "ep-1", repository.PlacementMidRoll, 1, 3000),
	}, "rep-1")
	require.NoError(t, err)
	assert.Empty(t, none)

	blockers, err := g.TalentBlockers(ctx, "c1", talentSchedule())
	require.NoError(t, err)
	assert.Len(t, blockers, 2)
}

func TestApprovalGate_TalentDecisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.engine.Approvals()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)
	created, err := g.EnsureTalentRequests(ctx, "c1", talentSchedule(), "rep-1")
	require.NoError(t, err)
	hostRead, endorsed := created[0], created[1]

	t.Run("decided_by is required", func(t *testing.T) {
		_, err := g.DecideTalentApproval(ctx, hostRead.ID, DecisionApprove, "", "")
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("decisions are final", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		approved, err := g.DecideTalentApproval(ctx, hostRead.ID, DecisionApprove, "host-1", "sounds good")
		require.NoError(t, err)
		assert.Equal(t, repository.TalentApproved, approved.Status)
		require.NotNil(t, approved.DecidedAt)
		assert.Equal(t, h.clock.Now(), *approved.DecidedAt)
		assert.Equal(t, "sounds good", *approved.Notes)

		_, err = g.DecideTalentApproval(ctx, hostRead.ID, DecisionDeny, "host-2", "")
		var decided *errors.ApprovalAlreadyDecidedError
		require.True(t, errors.As(err, &decided))
		assert.Equal(t, string(repository.TalentApproved), decided.Status)
	})

	t.Run("only denied requests are resubmitted", func(t *testing.T) {
		_, err := g.ResubmitTalentApproval(ctx, endorsed.ID, "rep-1")
		var transition *errors.InvalidStateTransitionError
		require.True(t, errors.As(err, &transition))
		assert.Equal(t, "PENDING", transition.From)
	})

	t.Run("denial blocks until an approval supersedes it", func(t *testing.T) {
		_, err := g.DecideTalentApproval(ctx, endorsed.ID, DecisionReject, "producer-1", "brand mismatch")
		require.NoError(t, err)

		blockers, err := g.TalentBlockers(ctx, "c1", talentSchedule())
		require.NoError(t, err)
		require.Len(t, blockers, 1)
		assert.Equal(t, endorsed.ID, blockers[0].ID)

		// Dropping the denied line from the schedule unblocks the campaign.
		blockers, err = g.TalentBlockers(ctx, "c1", talentSchedule()[1:])
		require.NoError(t, err)
		assert.Empty(t, blockers)

		h.clock.Advance(time.Minute)
		fresh, err := g.ResubmitTalentApproval(ctx, endorsed.ID, "rep-1")
		require.NoError(t, err)
		_, err = g.DecideTalentApproval(ctx, fresh.ID, DecisionApprove, "producer-1", "")
		require.NoError(t, err)

		blockers, err = g.TalentBlockers(ctx, "c1", talentSchedule())
		require.NoError(t, err)
		assert.Empty(t, blockers)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := g.DecideTalentApproval(ctx, "missing", DecisionApprove, "host-1", "")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestApprovalGate_ExpireStaleTalentRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.engine.Approvals()
	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)

	_, err = g.EnsureTalentRequests(ctx, "c1", talentSchedule()[:1], "rep-1")
	require.NoError(t, err)
	h.clock.Advance(72 * time.Hour)
	_, err = g.EnsureTalentRequests(ctx, "c1", talentSchedule()[1:], "rep-1")
	require.NoError(t, err)

	n, err := h.engine.ExpireStaleTalentRequests(ctx, 48*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.engine.ExpireStaleTalentRequests(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "a zero ttl disables expiry")

	requests, err := h.engine.ListTalentRequests(ctx, "c1")
	require.NoError(t, err)
	status := map[string]repository.TalentApprovalStatus{}
	for _, r := range requests {
		status[r.ShowID] = r.Status
	}
	assert.Equal(t, repository.TalentExpired, status["show-b"])
	assert.Equal(t, repository.TalentPending, status["show-a"])

	// An expired request no longer covers its pair, so a new one is issued.
	created, err := g.EnsureTalentRequests(ctx, "c1", talentSchedule(), "rep-1")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "show-b", created[0].ShowID)
}
