package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

const expirationReason = "automatic expiration"

// SweepReport summarizes one sweep cycle.
type SweepReport struct {
	Scanned            int      `json:"scanned"`
	Expired            int      `json:"expired"`
	Skipped            int      `json:"skipped"`
	Failed             int      `json:"failed"`
	ReservationIDs     []string `json:"reservation_ids,omitempty"`
	StaleTalentExpired int      `json:"stale_talent_expired,omitempty"`
}

// SweepExpired expires every held reservation past its deadline.
func (e *Engine) SweepExpired(ctx context.Context) (SweepReport, error) {
	return e.sweep(ctx, defaultSweepBatchSize)
}

// sweep processes expired holds in pages of batchSize, walking the
// (expires_at, id) order with a cursor so entries that keep failing never
// hide the ones behind them. Each reservation is expired in its own
// transaction; a failure is logged and counted and the sweep goes on.
func (e *Engine) sweep(ctx context.Context, batchSize int) (report SweepReport, err error) {
	ctx, end := e.span(ctx, "SweepExpired")
	defer func() { end(err) }()

	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	now := e.clock.Now()
	var cursor *repository.ExpiredHold
	for {
		holds, err := e.store.ListExpiredHeld(ctx, now, cursor, batchSize)
		if err != nil {
			e.metrics.sweepRun("error", report.Expired, report.Failed)
			return report, err
		}
		for _, h := range holds {
			report.Scanned++
			expired, err := e.expireOne(ctx, h.ID)
			switch {
			case err != nil:
				report.Failed++
				e.log.Error().Err(err).
					Str("reservation_id", h.ID).
					Msg("Failed to expire reservation")
			case expired:
				report.Expired++
				report.ReservationIDs = append(report.ReservationIDs, h.ID)
			default:
				report.Skipped++
			}
		}
		if len(holds) < batchSize || ctx.Err() != nil {
			break
		}
		last := holds[len(holds)-1]
		cursor = &last
	}
	e.metrics.sweepRun("ok", report.Expired, report.Failed)

	if report.Scanned > 0 {
		e.log.Info().
			Int("scanned", report.Scanned).
			Int("expired", report.Expired).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Msg("Sweep completed")
	}
	return report, nil
}

// expireOne releases one held reservation and rolls its campaign back to 65.
// It reports false when the reservation was no longer held.
func (e *Engine) expireOne(ctx context.Context, id string) (bool, error) {
	expired := false
	var out outbox
	err := e.tx.run(ctx, "reservation "+id, func(ctx context.Context) error {
		expired = false
		out = nil
		res, released, err := e.reservations.release(ctx, id, ReleaseOptions{
			Reason:  expirationReason,
			Actor:   SystemActor,
			Outcome: repository.ReservationExpired,
		})
		if err != nil || !released {
			return err
		}
		expired = true
		out.add(RoleSales, EventReservationExpired, map[string]interface{}{
			"campaign_id":    res.CampaignID,
			"reservation_id": id,
			"expires_at":     res.ExpiresAt,
		})

		c, err := e.store.GetCampaign(ctx, res.CampaignID)
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.ReservationID == nil || *c.ReservationID != id {
			return nil
		}

		pending, err := e.store.GetPendingApproval(ctx, c.ID)
		if err != nil {
			return err
		}
		if pending != nil && pending.ReservationID == id {
			reason := "reservation expired"
			if err := e.approvals.MarkDecided(ctx, pending, repository.ApprovalRejected, SystemActor, &reason); err != nil {
				return err
			}
		}

		c.ReservationID = nil
		c.ApprovalRequestID = nil
		return e.moveStage(ctx, c, repository.StageVerbal, expirationReason, SystemActor, map[string]interface{}{
			"reservation_id": id,
		})
	})
	if err != nil {
		return false, err
	}
	e.flush(ctx, out)
	return expired, nil
}

// ExpireStaleTalentRequests expires PENDING talent requests older than ttl.
func (e *Engine) ExpireStaleTalentRequests(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	return e.approvals.ExpireStaleTalentRequests(ctx, e.clock.Now().Add(-ttl), limit)
}

// Sweeper runs the sweep on a fixed interval.
type Sweeper struct {
	engine *Engine
	cfg    SweeperConfig
	lease  SweepLease
	log    *logger.Logger
}

// NewSweeper creates a sweeper. A nil lease sweeps on every tick.
func NewSweeper(engine *Engine, cfg SweeperConfig, lease SweepLease, log *logger.Logger) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		engine: engine,
		cfg:    cfg.withDefaults(),
		lease:  lease,
		log:    logger.OrNop(log).Component("sweeper"),
	}, nil
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("Sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one cycle. It never returns an error; failures are logged.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	if s.lease != nil {
		release, acquired, err := s.lease.TryAcquire(ctx, s.cfg.LeaseTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("Sweep lease unavailable, sweeping without it")
		} else if !acquired {
			s.log.Debug().Msg("Sweep lease held by another replica")
			return SweepReport{}
		} else {
			defer release(context.WithoutCancel(ctx))
		}
	}

	report, err := s.engine.sweep(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Sweep failed")
	}
	if s.cfg.TalentRequestTTL > 0 {
		n, err := s.engine.ExpireStaleTalentRequests(ctx, s.cfg.TalentRequestTTL, s.cfg.BatchSize)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to expire stale talent requests")
		}
		report.StaleTalentExpired = n
	}
	return report
}
