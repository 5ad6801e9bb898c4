package service

import (
	"time"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxLedgerAttempts = 5
	defaultRetryInterval     = 10 * time.Millisecond
	defaultSweepBatchSize    = 100
)

// EngineConfig is handed to the engine at construction. HoldDuration and
// RateDeviationThreshold have no defaults and must be supplied.
type EngineConfig struct {
	HoldDuration time.Duration
	// RateDeviationThreshold is a fraction: 0.10 means a 10% undercut of the
	// rate card still auto-approves.
	RateDeviationThreshold decimal.Decimal
	MaxLedgerAttempts      int
	RetryInterval          time.Duration
}

// Validate reports missing or out-of-range settings.
func (c EngineConfig) Validate() error {
	if c.HoldDuration <= 0 {
		return errors.InvalidInput("hold_duration", "must be positive")
	}
	if c.HoldDuration%time.Hour != 0 {
		return errors.InvalidInput("hold_duration", "must be a whole number of hours")
	}
	if c.RateDeviationThreshold.IsNegative() {
		return errors.InvalidInput("rate_deviation_threshold", "must not be negative")
	}
	if c.MaxLedgerAttempts < 0 {
		return errors.InvalidInput("max_ledger_attempts", "must not be negative")
	}
	return nil
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxLedgerAttempts == 0 {
		c.MaxLedgerAttempts = defaultMaxLedgerAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// SweeperConfig drives the background expiration task.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// TalentRequestTTL expires PENDING talent requests older than the TTL.
	// Zero disables it.
	TalentRequestTTL time.Duration
	// LeaseTTL bounds how long one replica holds the sweep lease.
	LeaseTTL time.Duration
}

func (c SweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.InvalidInput("sweep_interval", "must be positive")
	}
	if c.BatchSize < 0 {
		return errors.InvalidInput("sweep_batch_size", "must not be negative")
	}
	if c.TalentRequestTTL < 0 {
		return errors.InvalidInput("talent_request_ttl", "must not be negative")
	}
	return nil
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.BatchSize == 0 {
		c.BatchSize = defaultSweepBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.Interval
	}
	return c
}
