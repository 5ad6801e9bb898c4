package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ad-reservations/internal/catalog"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// Availability is a read-only snapshot of one inventory counter.
type Availability struct {
	EpisodeID     string                   `json:"episode_id"`
	PlacementType repository.PlacementType `json:"placement_type"`
	SlotsTotal    int                      `json:"slots_total"`
	Available     int                      `json:"available"`
	Reserved      int                      `json:"reserved"`
	Booked        int                      `json:"booked"`
	UnitPrice     int64                    `json:"unit_price"`
	Provisioned   bool                     `json:"provisioned"`
}

// Ledger is the only writer of inventory counters. Every mutation is a
// compare-and-swap on the counter version; a lost swap fails the enclosing
// transaction with errConcurrentUpdate so the runner can retry it.
type Ledger struct {
	counters repository.Counters
	catalog  *catalog.Catalog
	clock    clock.Clock
	tx       *txRunner
	log      *logger.Logger
}

// NewLedger creates a ledger over the store's counters.
func NewLedger(store repository.Store, cat *catalog.Catalog, clk clock.Clock, tx *txRunner, log *logger.Logger) *Ledger {
	return &Ledger{
		counters: store,
		catalog:  cat,
		clock:    clk,
		tx:       tx,
		log:      log,
	}
}

// Provision creates the counter with explicit capacity and rate card unless it
// already exists. Existing counters are returned unchanged.
func (l *Ledger) Provision(ctx context.Context, key repository.SlotKey, slotsTotal int, unitPrice int64) (*repository.InventorySlotCounter, error) {
	if key.EpisodeID == "" {
		return nil, errors.InvalidInput("episode_id", "is required")
	}
	if !key.PlacementType.Valid() {
		return nil, errors.InvalidInput("placement_type", fmt.Sprintf("unknown placement type %q", key.PlacementType))
	}
	if slotsTotal < 0 {
		return nil, errors.InvalidInput("slots_total", "must not be negative")
	}
	if unitPrice < 0 {
		return nil, errors.InvalidInput("unit_price", "must not be negative")
	}

	var out *repository.InventorySlotCounter
	err := l.tx.run(ctx, "inventory "+key.String(), func(ctx context.Context) error {
		c, err := l.insert(ctx, key, slotsTotal, unitPrice)
		out = c
		return err
	})
	return out, err
}

// ensure returns the counter for key, creating it from catalog defaults at
// first reference.
func (l *Ledger) ensure(ctx context.Context, key repository.SlotKey) (*repository.InventorySlotCounter, error) {
	c, err := l.counters.GetCounter(ctx, key)
	if err == nil {
		return c, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	p, ok := l.catalog.Lookup(key.PlacementType)
	if !ok {
		return nil, errors.InvalidInput("placement_type", fmt.Sprintf("%s is not sold", key.PlacementType))
	}
	return l.insert(ctx, key, p.SlotsPerEpisode, p.RateCardCents)
}

func (l *Ledger) insert(ctx context.Context, key repository.SlotKey, slotsTotal int, unitPrice int64) (*repository.InventorySlotCounter, error) {
	now := l.clock.Now()
	c := &repository.InventorySlotCounter{
		EpisodeID:     key.EpisodeID,
		PlacementType: key.PlacementType,
		SlotsTotal:    slotsTotal,
		Available:     slotsTotal,
		UnitPrice:     unitPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := l.counters.InsertCounter(ctx, c)
	if err != nil {
		return nil, err
	}
	if inserted {
		l.log.Info().
			Str("episode_id", key.EpisodeID).
			Str("placement_type", string(key.PlacementType)).
			Int("slots_total", slotsTotal).
			Msg("Inventory counter provisioned")
		return c, nil
	}
	return l.counters.GetCounter(ctx, key)
}

// Reserve moves count slots from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, key repository.SlotKey, count int) error {
	return l.mutate(ctx, key, count, func(c *repository.InventorySlotCounter) error {
		if c.Available < count {
			return &errors.InsufficientInventoryError{
				EpisodeID:     key.EpisodeID,
				PlacementType: string(key.PlacementType),
				Requested:     count,
				Available:     c.Available,
			}
		}
		c.Available -= count
		c.Reserved += count
		return nil
	})
}

// Confirm moves count slots from reserved to booked.
func (l *Ledger) Confirm(ctx context.Context, key repository.SlotKey, count int) error {
	return l.mutate(ctx, key, count, func(c *repository.InventorySlotCounter) error {
		if c.Reserved < count {
			return errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("cannot confirm %d slots of %s: only %d reserved", count, key, c.Reserved))
		}
		c.Reserved -= count
		c.Booked += count
		return nil
	})
}

// Release moves count slots from reserved back to available. Callers guard
// against double release through the item status transition out of held.
func (l *Ledger) Release(ctx context.Context, key repository.SlotKey, count int) error {
	return l.mutate(ctx, key, count, func(c *repository.InventorySlotCounter) error {
		if c.Reserved < count {
			return errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("cannot release %d slots of %s: only %d reserved", count, key, c.Reserved))
		}
		c.Reserved -= count
		c.Available += count
		return nil
	})
}

func (l *Ledger) mutate(ctx context.Context, key repository.SlotKey, count int, apply func(*repository.InventorySlotCounter) error) error {
	if count <= 0 {
		return errors.InvalidInput("count", "must be positive")
	}
	return l.tx.run(ctx, "inventory "+key.String(), func(ctx context.Context) error {
		c, err := l.ensure(ctx, key)
		if err != nil {
			return err
		}
		if err := apply(c); err != nil {
			return err
		}
		if !c.Balanced() {
			return errors.New(errors.ErrCodeInternal, fmt.Sprintf("counter %s would become unbalanced", key))
		}
		c.UpdatedAt = l.clock.Now()
		swapped, err := l.counters.SwapCounter(ctx, c)
		if err != nil {
			return err
		}
		if !swapped {
			return errConcurrentUpdate
		}
		return nil
	})
}

// CheckAvailability returns a snapshot without creating the counter. An
// unprovisioned counter reports the catalog defaults. The snapshot is not
// transactional with a later Reserve, which re-checks on its own.
func (l *Ledger) CheckAvailability(ctx context.Context, key repository.SlotKey) (Availability, error) {
	if !key.PlacementType.Valid() {
		return Availability{}, errors.InvalidInput("placement_type", fmt.Sprintf("unknown placement type %q", key.PlacementType))
	}
	c, err := l.counters.GetCounter(ctx, key)
	if err == nil {
		return Availability{
			EpisodeID:     c.EpisodeID,
			PlacementType: c.PlacementType,
			SlotsTotal:    c.SlotsTotal,
			Available:     c.Available,
			Reserved:      c.Reserved,
			Booked:        c.Booked,
			UnitPrice:     c.UnitPrice,
			Provisioned:   true,
		}, nil
	}
	if !errors.IsNotFound(err) {
		return Availability{}, err
	}
	p, ok := l.catalog.Lookup(key.PlacementType)
	if !ok {
		return Availability{EpisodeID: key.EpisodeID, PlacementType: key.PlacementType}, nil
	}
	return Availability{
		EpisodeID:     key.EpisodeID,
		PlacementType: key.PlacementType,
		SlotsTotal:    p.SlotsPerEpisode,
		Available:     p.SlotsPerEpisode,
		UnitPrice:     p.RateCardCents,
	}, nil
}

// rateCard returns the published price per spot for key, preferring the
// counter's stored price over the catalog.
func (l *Ledger) rateCard(ctx context.Context, key repository.SlotKey) (int64, error) {
	a, err := l.CheckAvailability(ctx, key)
	if err != nil {
		return 0, err
	}
	return a.UnitPrice, nil
}
