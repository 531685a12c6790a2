// Package metrics exposes Prometheus instrumentation for the aggregation
// scheduler and the HTTP server that serves it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hwaggregator"

// Cycle outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeBlocked   = "blocked"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Metrics holds all collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	TestsFetched      prometheus.Counter
	TestsAggregated   prometheus.Counter
	TestsSkipped      *prometheus.CounterVec
	CommitFailures    prometheus.Counter
	Sweeps            prometheus.Counter
	PendingExpired    *prometheus.CounterVec
	PendingDepth      *prometheus.GaugeVec
	LastSweepUnixTime prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Aggregation cycles by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one aggregation cycle",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
		),
		TestsFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_tests_fetched_total",
				Help:      "Pending tests read from the queue",
			},
		),
		TestsAggregated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_aggregated_total",
				Help:      "Tests that contributed to hardware counters",
			},
		),
		TestsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_skipped_total",
				Help:      "Pending tests left queued because a parent is missing",
			},
			[]string{"reason"},
		),
		CommitFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_failures_total",
				Help:      "Batches rolled back",
			},
		),
		Sweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Completed passes over the pending queue",
			},
		),
		PendingExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_expired_total",
				Help:      "Pending entries deleted after exceeding the TTL",
			},
			[]string{"entity"},
		),
		PendingDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_depth",
				Help:      "Entries waiting in the pending queue",
			},
			[]string{"entity"},
		),
		LastSweepUnixTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix time of the last completed sweep",
			},
		),
	}
}

// CycleStats is what one cycle reports.
type CycleStats struct {
	Outcome           string
	Duration          time.Duration
	Fetched           int
	Aggregated        int
	SkippedNoBuild    int
	SkippedNoCheckout int
}

// ObserveCycle records one cycle.
func (m *Metrics) ObserveCycle(s CycleStats) {
	if m == nil {
		return
	}

	m.Cycles.WithLabelValues(s.Outcome).Inc()
	m.CycleDuration.Observe(s.Duration.Seconds())
	m.TestsFetched.Add(float64(s.Fetched))
	m.TestsAggregated.Add(float64(s.Aggregated))
	m.TestsSkipped.WithLabelValues("no_build").Add(float64(s.SkippedNoBuild))
	m.TestsSkipped.WithLabelValues("no_checkout").Add(float64(s.SkippedNoCheckout))

	if s.Outcome == OutcomeFailed {
		m.CommitFailures.Inc()
	}
}

// ObserveSweep records a completed sweep.
func (m *Metrics) ObserveSweep(at time.Time) {
	if m == nil {
		return
	}

	m.Sweeps.Inc()
	m.LastSweepUnixTime.Set(float64(at.Unix()))
}

// ObserveExpired records TTL deletions.
func (m *Metrics) ObserveExpired(tests, builds int64) {
	if m == nil {
		return
	}

	m.PendingExpired.WithLabelValues("test").Add(float64(tests))
	m.PendingExpired.WithLabelValues("build").Add(float64(builds))
}

// SetPending updates the queue depth gauges.
func (m *Metrics) SetPending(tests, builds int64) {
	if m == nil {
		return
	}

	m.PendingDepth.WithLabelValues("test").Set(float64(tests))
	m.PendingDepth.WithLabelValues("build").Set(float64(builds))
}
