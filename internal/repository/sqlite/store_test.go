package sqlite

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createCampaign(t *testing.T, st *Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateCampaign(context.Background(), &repository.Campaign{
		ID:           id,
		AdvertiserID: "adv-" + id,
		Categories:   []string{"sports"},
		Stage:        repository.StageActive,
		CreatedAt:    now,
	}))
}

func createHold(t *testing.T, st *Store, id, campaignID string) {
	t.Helper()
	require.NoError(t, st.CreateReservation(context.Background(), &repository.Reservation{
		ID:         id,
		CampaignID: campaignID,
		Status:     repository.ReservationHeld,
		ExpiresAt:  now.Add(48 * time.Hour),
		CreatedAt:  now,
	}))
}

func TestOpen(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "reopen.db")
	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Migrations are idempotent on reopen.
	st, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestCounters_CompareAndSwap(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	key := repository.SlotKey{EpisodeID: "ep-1", PlacementType: repository.PlacementMidRoll}

	_, err := st.GetCounter(ctx, key)
	assert.True(t, errors.IsNotFound(err))

	c := &repository.InventorySlotCounter{EpisodeID: "ep-1", PlacementType: repository.PlacementMidRoll, SlotsTotal: 3, Available: 3, UnitPrice: 3000, CreatedAt: now}
	inserted, err := st.InsertCounter(ctx, c)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), c.Version)

	dup := *c
	inserted, err = st.InsertCounter(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	first, err := st.GetCounter(ctx, key)
	require.NoError(t, err)
	second, err := st.GetCounter(ctx, key)
	require.NoError(t, err)

	first.Available, first.Reserved = 1, 2
	ok, err := st.SwapCounter(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), first.Version)

	second.Available, second.Reserved = 2, 1
	ok, err = st.SwapCounter(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must lose")

	stored, err := st.GetCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Available)
	assert.Equal(t, 2, stored.Reserved)
	assert.Equal(t, now, stored.CreatedAt)

	counters, err := st.ListCounters(ctx, "ep-1")
	require.NoError(t, err)
	assert.Len(t, counters, 1)
}

func TestWithTx_RollsBack(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	boom := stderrors.New("boom")

	err := st.WithTx(ctx, func(ctx context.Context) error {
		if err := st.CreateCampaign(ctx, &repository.Campaign{ID: "c1", AdvertiserID: "adv", Stage: repository.StageActive, CreatedAt: now}); err != nil {
			return err
		}
		return st.WithTx(ctx, func(ctx context.Context) error {
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.GetCampaign(ctx, "c1")
	assert.True(t, errors.IsNotFound(err))
}

func TestCampaigns(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	createCampaign(t, st, "c1")

	err := st.CreateCampaign(ctx, &repository.Campaign{ID: "c1", AdvertiserID: "adv", Stage: repository.StageActive, CreatedAt: now})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	c, err := st.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, c.Categories)
	assert.Nil(t, c.ReservationID)

	resID := "res-1"
	c.Stage = repository.StagePending
	c.ReservationID = &resID
	ok, err := st.UpdateCampaignState(ctx, c, repository.StageActive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.UpdateCampaignState(ctx, c, repository.StageActive)
	require.NoError(t, err)
	assert.False(t, ok, "expected stage no longer matches")

	c, err = st.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, repository.StagePending, c.Stage)
	require.NotNil(t, c.ReservationID)
	assert.Equal(t, "res-1", *c.ReservationID)

	require.NoError(t, st.ReplaceSchedule(ctx, "c1", []*repository.ScheduleItem{
		{ShowID: "s1", EpisodeID: "ep-1", PlacementType: repository.PlacementPreRoll, SpotCount: 1, UnitPrice: 100, AirDate: now},
		{ShowID: "s1", EpisodeID: "ep-2", PlacementType: repository.PlacementPreRoll, SpotCount: 2, UnitPrice: 100, AirDate: now},
	}))
	require.NoError(t, st.ReplaceSchedule(ctx, "c1", []*repository.ScheduleItem{
		{ShowID: "s1", EpisodeID: "ep-3", PlacementType: repository.PlacementPostRoll, SpotCount: 1, UnitPrice: 100, AirDate: now},
	}))
	schedule, err := st.ListSchedule(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, schedule, 1)
	assert.Equal(t, "ep-3", schedule[0].EpisodeID)
	assert.Equal(t, 1, schedule[0].LineNumber)
}

func TestReservations(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	createCampaign(t, st, "c1")

	res := &repository.Reservation{
		CampaignID:        "c1",
		Status:            repository.ReservationHeld,
		HoldDurationHours: 48,
		ExpiresAt:         now.Add(48 * time.Hour),
		TotalAmount:       6000,
		CreatedBy:         "rep-1",
		CreatedAt:         now,
		Items: []*repository.ReservationItem{
			{LineNumber: 1, ShowID: "s1", EpisodeID: "ep-1", PlacementType: repository.PlacementMidRoll, SpotCount: 2, UnitPrice: 3000, AirDate: now, Status: repository.ItemHeld},
		},
	}
	require.NoError(t, st.CreateReservation(ctx, res))
	require.NotEmpty(t, res.ID)
	require.NotEmpty(t, res.Items[0].ID)

	got, err := st.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ExpiresAt, got.ExpiresAt)
	require.Len(t, got.Items, 1)
	assert.Equal(t, repository.ItemHeld, got.Items[0].Status)

	holds, err := st.ListExpiredHeld(ctx, now.Add(48*time.Hour), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, holds, "expiry is strictly before now")
	holds, err = st.ListExpiredHeld(ctx, now.Add(48*time.Hour+time.Millisecond), nil, 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, res.ID, holds[0].ID)
	assert.True(t, holds[0].ExpiresAt.Equal(res.ExpiresAt))

	holds, err = st.ListExpiredHeld(ctx, now.Add(49*time.Hour), &holds[0], 10)
	require.NoError(t, err)
	assert.Empty(t, holds, "the cursor excludes the row it points at")

	reason := "automatic expiration"
	ok, err := st.TransitionReservation(ctx, res.ID, repository.ReservationHeld, repository.ReservationExpired, &reason, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.TransitionReservation(ctx, res.ID, repository.ReservationHeld, repository.ReservationCancelled, &reason, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.TransitionReservationItem(ctx, res.Items[0].ID, repository.ItemHeld, repository.ItemReleased, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.TransitionReservationItem(ctx, res.Items[0].ID, repository.ItemHeld, repository.ItemReleased, now)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := st.ListReservationsByCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, repository.ReservationExpired, list[0].Status)
	require.NotNil(t, list[0].ReleaseReason)
	assert.Equal(t, reason, *list[0].ReleaseReason)
	assert.Equal(t, repository.ItemReleased, list[0].Items[0].Status)

	holds, err = st.ListExpiredHeld(ctx, now.Add(100*time.Hour), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, holds)

	_, err = st.GetReservation(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestApprovals_OnePendingPerCampaign(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	createCampaign(t, st, "c1")
	createHold(t, st, "res-1", "c1")
	createHold(t, st, "res-2", "c1")

	a := &repository.CampaignApproval{
		CampaignID:       "c1",
		ReservationID:    "res-1",
		Status:           repository.ApprovalPending,
		RateDeviationPct: decimal.RequireFromString("0.3333"),
		RequestedBy:      "rep-1",
		CreatedAt:        now,
	}
	require.NoError(t, st.CreateApproval(ctx, a))

	err := st.CreateApproval(ctx, &repository.CampaignApproval{CampaignID: "c1", ReservationID: "res-2", Status: repository.ApprovalPending, CreatedAt: now})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	pending, err := st.GetPendingApproval(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, pending.RateDeviationPct.Equal(decimal.RequireFromString("0.3333")))

	reason := "budget too low"
	ok, err := st.DecideApproval(ctx, a.ID, repository.ApprovalRejected, "admin-1", &reason, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.DecideApproval(ctx, a.ID, repository.ApprovalApproved, "admin-2", nil, now)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = st.GetPendingApproval(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	decided, err := st.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalRejected, decided.Status)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, now, *decided.DecidedAt)

	// A new pending approval is allowed once the old one is decided.
	require.NoError(t, st.CreateApproval(ctx, &repository.CampaignApproval{CampaignID: "c1", ReservationID: "res-2", Status: repository.ApprovalPending, CreatedAt: now}))
}

func TestTalentRequests(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	createCampaign(t, st, "c1")

	r := &repository.TalentApprovalRequest{CampaignID: "c1", ShowID: "s1", PlacementType: repository.PlacementHostRead, Status: repository.TalentPending, RequestedBy: "rep-1", CreatedAt: now}
	require.NoError(t, st.CreateTalentRequest(ctx, r))

	err := st.CreateTalentRequest(ctx, &repository.TalentApprovalRequest{CampaignID: "c1", ShowID: "s1", PlacementType: repository.PlacementHostRead, Status: repository.TalentPending, CreatedAt: now})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	stale, err := st.ListStaleTalentRequests(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = st.ListStaleTalentRequests(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	notes := "fine"
	ok, err := st.TransitionTalentRequest(ctx, r.ID, repository.TalentPending, repository.TalentApproved, "host-1", &notes, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.TransitionTalentRequest(ctx, r.ID, repository.TalentPending, repository.TalentDenied, "host-1", nil, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetTalentRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TalentApproved, got.Status)
	require.NotNil(t, got.DecidedBy)
	assert.Equal(t, "host-1", *got.DecidedBy)

	list, err := st.ListTalentRequests(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRestrictionsAndHistory(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	show, episode, category, advertiser := "s1", "ep-9", "alcohol", "adv-1"
	for _, r := range []*repository.Restriction{
		{ID: "r1", Kind: repository.RestrictionCategoryBlocked, Level: repository.LevelShow, ShowID: &show, Category: &category, CreatedAt: now},
		{ID: "r2", Kind: repository.RestrictionAdvertiserBlocked, Level: repository.LevelNetwork, AdvertiserID: &advertiser, CreatedAt: now},
		{ID: "r3", Kind: repository.RestrictionCategoryBlocked, Level: repository.LevelEpisode, EpisodeID: &episode, Category: &category, CreatedAt: now},
	} {
		require.NoError(t, st.CreateRestriction(ctx, r))
	}

	rules, err := st.ListRestrictions(ctx, "s1", "ep-1")
	require.NoError(t, err)
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r1", "r2"}, ids)

	for i, to := range []string{"held", "cancelled"} {
		require.NoError(t, st.AppendHistory(ctx, &repository.StatusHistory{
			EntityType: repository.HistoryReservation,
			EntityID:   "res-1",
			FromStatus: []string{"", "held"}[i],
			ToStatus:   to,
			Actor:      "rep-1",
			Metadata:   map[string]interface{}{"step": float64(i)},
			OccurredAt: now,
		}))
	}
	history, err := st.ListHistory(ctx, repository.HistoryReservation, "res-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "held", history[0].ToStatus)
	assert.Equal(t, "cancelled", history[1].ToStatus)
	assert.Equal(t, float64(1), history[1].Metadata["step"])

	history, err = st.ListHistory(ctx, repository.HistoryCampaign, "res-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
