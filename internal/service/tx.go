package service

import (
	"context"
	stderrors "errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// errConcurrentUpdate is raised when a counter's version moved between read
// and compare-and-swap. The whole transaction is retried.
var errConcurrentUpdate = stderrors.New("inventory counter changed concurrently")

type txScopeKey struct{}

// txRunner runs units of work in a store transaction and retries the whole
// unit on optimistic-concurrency losses with exponential backoff.
type txRunner struct {
	store       repository.Store
	maxAttempts int
	cfg         EngineConfig
	metrics     *Metrics
	log         *logger.Logger
}

func newTxRunner(store repository.Store, cfg EngineConfig, metrics *Metrics, log *logger.Logger) *txRunner {
	return &txRunner{store: store, maxAttempts: cfg.MaxLedgerAttempts, cfg: cfg, metrics: metrics, log: log}
}

// run executes fn atomically. Inside an enclosing run, fn joins the outer
// transaction and the outer call owns the retry.
func (r *txRunner) run(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	if ctx.Value(txScopeKey{}) != nil {
		return fn(ctx)
	}

	attempts := 0
	var lastRetryable error
	op := func() (struct{}, error) {
		attempts++
		err := r.store.WithTx(ctx, func(txCtx context.Context) error {
			return fn(context.WithValue(txCtx, txScopeKey{}, resource))
		})
		if err == nil {
			return struct{}{}, nil
		}
		if r.retryable(err) {
			lastRetryable = err
			if attempts < r.maxAttempts {
				r.metrics.ledgerRetry()
				r.log.Debug().Err(err).Str("resource", resource).Int("attempt", attempts).Msg("Retrying transaction")
			}
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = 20 * r.cfg.RetryInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)
	if err != nil && lastRetryable != nil && r.retryable(err) {
		return &errors.ConcurrentModificationError{Resource: resource, Attempts: attempts, Cause: err}
	}
	return err
}

func (r *txRunner) retryable(err error) bool {
	return stderrors.Is(err, errConcurrentUpdate) || r.store.Retryable(err)
}

// inTx reports whether ctx is inside a txRunner unit of work.
func inTx(ctx context.Context) bool {
	return ctx.Value(txScopeKey{}) != nil
}
