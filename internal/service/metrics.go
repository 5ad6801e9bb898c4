package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for engine activity.
type Metrics struct {
	reservations     *prometheus.CounterVec
	ledgerRetries    prometheus.Counter
	stageTransitions *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	sweepRuns        *prometheus.CounterVec
	sweepReleased    prometheus.Counter
	sweepFailures    prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
// Collectors are created once so multiple engines in one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds the collectors and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "engine",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "ledger",
			Name:      "retries_total",
			Help:      "Transactions retried after an optimistic concurrency loss.",
		}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "engine",
			Name:      "stage_transitions_total",
			Help:      "Campaign stage transitions.",
		}, []string{"from", "to"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "approvals",
			Name:      "decisions_total",
			Help:      "Approval decisions by kind and result.",
		}, []string{"kind", "result"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweep cycles by result.",
		}, []string{"result"}),
		sweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "sweeper",
			Name:      "reservations_expired_total",
			Help:      "Held reservations expired by the sweeper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adreservations",
			Subsystem: "sweeper",
			Name:      "failures_total",
			Help:      "Reservations the sweeper failed to expire.",
		}),
	}

	collectors := []prometheus.Collector{
		m.reservations, m.ledgerRetries, m.stageTransitions, m.approvals,
		m.sweepRuns, m.sweepReleased, m.sweepFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

func (m *Metrics) reservationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ledgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

func (m *Metrics) stageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) approvalDecision(kind, result string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) sweepRun(result string, expired, failed int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepReleased.Add(float64(expired))
	m.sweepFailures.Add(float64(failed))
}
