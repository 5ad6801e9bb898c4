package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/testutil"
)

var midRoll = repository.SlotKey{EpisodeID: "ep-1", PlacementType: repository.PlacementMidRoll}

// flakyStore loses the first failures compare-and-swaps on counters.
type flakyStore struct {
	repository.Store
	failures int32
	swaps    atomic.Int32
}

func (s *flakyStore) SwapCounter(ctx context.Context, c *repository.InventorySlotCounter) (bool, error) {
	if s.swaps.Add(1) <= s.failures {
		return false, nil
	}
	return s.Store.SwapCounter(ctx, c)
}

func requireBalanced(t *testing.T, l *Ledger, key repository.SlotKey) Availability {
	t.Helper()
	a, err := l.CheckAvailability(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, a.SlotsTotal, a.Available+a.Reserved+a.Booked, "counter %s is unbalanced: %+v", key, a)
	return a
}

func TestLedger_ReserveConfirmExhaust(t *testing.T) {
	h := newHarness(t)
	l := h.engine.Ledger()
	ctx := context.Background()

	_, err := l.Provision(ctx, midRoll, 2, 3000)
	require.NoError(t, err)

	require.NoError(t, l.Reserve(ctx, midRoll, 2))
	a := requireBalanced(t, l, midRoll)
	assert.Equal(t, [3]int{0, 2, 0}, [3]int{a.Available, a.Reserved, a.Booked})

	require.NoError(t, l.Confirm(ctx, midRoll, 2))
	a = requireBalanced(t, l, midRoll)
	assert.Equal(t, [3]int{0, 0, 2}, [3]int{a.Available, a.Reserved, a.Booked})

	err = l.Reserve(ctx, midRoll, 1)
	var insufficient *errors.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.Equal(t, 1, insufficient.Requested)
	assert.Equal(t, 0, insufficient.Available)
	requireBalanced(t, l, midRoll)
}

func TestLedger_ReleaseReturnsSlots(t *testing.T) {
	h := newHarness(t)
	l := h.engine.Ledger()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, midRoll, 2))
	require.NoError(t, l.Release(ctx, midRoll, 1))

	a := requireBalanced(t, l, midRoll)
	assert.True(t, a.Provisioned)
	assert.Equal(t, 3, a.SlotsTotal, "first reference provisions from the catalog")
	assert.Equal(t, 2, a.Available)
	assert.Equal(t, 1, a.Reserved)

	err := l.Release(ctx, midRoll, 2)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
	a = requireBalanced(t, l, midRoll)
	assert.Equal(t, 1, a.Reserved, "a rejected release changes nothing")

	err = l.Confirm(ctx, midRoll, 5)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}

func TestLedger_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	l := h.engine.Ledger()
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"zero count", func() error { return l.Reserve(ctx, midRoll, 0) }},
		{"negative count", func() error { return l.Release(ctx, midRoll, -1) }},
		{"unknown placement", func() error {
			return l.Reserve(ctx, repository.SlotKey{EpisodeID: "ep-1", PlacementType: "banner"}, 1)
		}},
		{"negative capacity", func() error {
			_, err := l.Provision(ctx, midRoll, -1, 0)
			return err
		}},
		{"missing episode", func() error {
			_, err := l.Provision(ctx, repository.SlotKey{PlacementType: repository.PlacementMidRoll}, 1, 0)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(tt.call()))
		})
	}
}

func TestLedger_ProvisionKeepsExistingCounter(t *testing.T) {
	h := newHarness(t)
	l := h.engine.Ledger()
	ctx := context.Background()

	first, err := l.Provision(ctx, midRoll, 4, 2000)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Available)

	again, err := l.Provision(ctx, midRoll, 9, 9000)
	require.NoError(t, err)
	assert.Equal(t, 4, again.SlotsTotal)
	assert.Equal(t, int64(2000), again.UnitPrice)
}

func TestLedger_UnsoldPlacement(t *testing.T) {
	cat, err := catalog.New([]catalog.Placement{
		{Type: repository.PlacementMidRoll, SlotsPerEpisode: 3, RateCardCents: 3000},
	})
	require.NoError(t, err)
	h := newHarnessWith(t, testutil.OpenSQLiteStore(t), testConfig(), cat)
	l := h.engine.Ledger()
	ctx := context.Background()

	key := repository.SlotKey{EpisodeID: "ep-1", PlacementType: repository.PlacementPreRoll}
	err = l.Reserve(ctx, key, 1)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	a, err := l.CheckAvailability(ctx, key)
	require.NoError(t, err)
	assert.False(t, a.Provisioned)
	assert.Zero(t, a.SlotsTotal)

	// An explicitly provisioned counter is sellable regardless of the catalog.
	_, err = l.Provision(ctx, key, 1, 1000)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, key, 1))
}

func TestLedger_CheckAvailabilityDoesNotProvision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.Ledger().CheckAvailability(ctx, midRoll)
	require.NoError(t, err)
	assert.False(t, a.Provisioned)
	assert.Equal(t, 3, a.Available)
	assert.Equal(t, int64(3000), a.UnitPrice)

	_, err = h.store.GetCounter(ctx, midRoll)
	assert.True(t, errors.IsNotFound(err))
}

func TestLedger_ConcurrentReservesNeverOversell(t *testing.T) {
	h := newHarness(t)
	l := h.engine.Ledger()
	ctx := context.Background()
	_, err := l.Provision(ctx, midRoll, 5, 3000)
	require.NoError(t, err)

	const workers = 12
	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, midRoll, 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.HasCode(err, errors.ErrCodeInsufficientInventory):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(workers-5), insufficient.Load())
	a := requireBalanced(t, l, midRoll)
	assert.Equal(t, 0, a.Available)
	assert.Equal(t, 5, a.Reserved)
}

func TestLedger_RetriesLostSwaps(t *testing.T) {
	t.Run("succeeds within the attempt budget", func(t *testing.T) {
		store := &flakyStore{Store: testutil.OpenSQLiteStore(t), failures: 2}
		h := newHarnessWith(t, store, testConfig(), nil)
		l := h.engine.Ledger()

		require.NoError(t, l.Reserve(context.Background(), midRoll, 1))
		assert.Equal(t, int32(3), store.swaps.Load())
		a := requireBalanced(t, l, midRoll)
		assert.Equal(t, 1, a.Reserved)
	})

	t.Run("gives up with a concurrent modification error", func(t *testing.T) {
		store := &flakyStore{Store: testutil.OpenSQLiteStore(t), failures: 1000}
		cfg := testConfig()
		cfg.MaxLedgerAttempts = 3
		h := newHarnessWith(t, store, cfg, nil)
		l := h.engine.Ledger()

		err := l.Reserve(context.Background(), midRoll, 1)
		var concurrent *errors.ConcurrentModificationError
		require.True(t, errors.As(err, &concurrent), "got %v", err)
		assert.Equal(t, 3, concurrent.Attempts)
		assert.Equal(t, int32(3), store.swaps.Load())

		a, err := l.CheckAvailability(context.Background(), midRoll)
		require.NoError(t, err)
		assert.False(t, a.Provisioned, "every attempt rolled back")
	})
}

func TestReservationManager_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.engine.Reservations()

	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)
	_, err = h.engine.ProvisionInventory(ctx, "ep-2", repository.PlacementMidRoll, 0, 3000)
	require.NoError(t, err)

	_, err = m.CreateReservation(ctx, CreateReservationInput{
		CampaignID: "c1",
		Items: []*repository.ScheduleItem{
			line("show-1", "ep-1", repository.PlacementMidRoll, 2, 3000),
			line("show-1", "ep-2", repository.PlacementMidRoll, 1, 3000),
		},
		CreatedBy: "rep-1",
	})
	var insufficient *errors.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient), "got %v", err)

	a := requireBalanced(t, h.engine.Ledger(), midRoll)
	assert.Equal(t, 0, a.Reserved)

	reservations, err := m.ListCampaignReservations(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, repository.ReservationFailed, reservations[0].Status)
	assert.Equal(t, int64(9000), reservations[0].TotalAmount)
}

func TestReservationManager_ReleaseOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.engine.Reservations()

	_, err := h.engine.RegisterCampaign(ctx, RegisterCampaignInput{ID: "c1", AdvertiserID: "adv-1"})
	require.NoError(t, err)

	res, err := m.CreateReservation(ctx, CreateReservationInput{
		ID:         "res-1",
		CampaignID: "c1",
		Items: []*repository.ScheduleItem{
			line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000),
			line("show-1", "ep-1", repository.PlacementMidRoll, 1, 2500),
		},
		CreatedBy: "rep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", res.ID)
	assert.Equal(t, 48, res.HoldDurationHours)
	assert.Equal(t, int64(5500), res.TotalAmount)
	require.Len(t, res.Items, 2)
	assert.Equal(t, 1, res.Items[0].LineNumber)
	assert.Equal(t, 2, res.Items[1].LineNumber)

	released, err := m.ReleaseReservation(ctx, "res-1", ReleaseOptions{Reason: "test", Actor: "rep-1", Outcome: repository.ReservationCancelled})
	require.NoError(t, err)
	assert.Equal(t, repository.ReservationCancelled, released.Status)

	_, err = m.ReleaseReservation(ctx, "res-1", ReleaseOptions{Reason: "again", Actor: "rep-1", Outcome: repository.ReservationExpired})
	var transition *errors.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, "cancelled", transition.From)

	_, err = m.ConfirmReservation(ctx, "res-1", "rep-1")
	require.True(t, errors.As(err, &transition))

	_, err = m.ReleaseReservation(ctx, "res-1", ReleaseOptions{Outcome: repository.ReservationConfirmed})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	a := requireBalanced(t, h.engine.Ledger(), midRoll)
	assert.Equal(t, 3, a.Available)
}

func TestReservationManager_RejectsEmptyInput(t *testing.T) {
	h := newHarness(t)
	m := h.engine.Reservations()

	_, err := m.CreateReservation(context.Background(), CreateReservationInput{CampaignID: "c1"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = m.CreateReservation(context.Background(), CreateReservationInput{
		Items: []*repository.ScheduleItem{line("show-1", "ep-1", repository.PlacementMidRoll, 1, 3000)},
	})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestLedger_PostgresConcurrentReserves(t *testing.T) {
	db := testutil.NewTestDB(t)
	h := newHarnessWith(t, repository.NewPostgresStore(db), testConfig(), nil)
	l := h.engine.Ledger()
	ctx := context.Background()
	_, err := l.Provision(ctx, midRoll, 4, 3000)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, midRoll, 1); err == nil {
				ok.Add(1)
			} else if !errors.HasCode(err, errors.ErrCodeInsufficientInventory) && !errors.HasCode(err, errors.ErrCodeConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	a := requireBalanced(t, l, midRoll)
	assert.Equal(t, int(ok.Load()), a.Reserved)
	assert.LessOrEqual(t, a.Reserved, 4)
}
