// Package scheduler drives the aggregation engine over the pending queue,
// one bounded page per cycle, either once or continuously.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kernelci/hwaggregator/pkg/aggregator"
	"github.com/kernelci/hwaggregator/pkg/metrics"
	"github.com/kernelci/hwaggregator/pkg/store"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 1000

// Store is the persistence surface the scheduler drives.
type Store interface {
	aggregator.Store
	Ping(ctx context.Context) error
	ListPendingTests(ctx context.Context, afterID uint, limit int) ([]store.PendingTest, error)
	CountPending(ctx context.Context) (tests, builds int64, err error)
	ExpirePending(ctx context.Context, before time.Time) (tests, builds int64, err error)
}

// Config controls batching and pacing.
type Config struct {
	BatchSize int
	Loop      bool
	// Interval is slept after a sweep that aggregated nothing, and after a
	// failed cycle, in loop mode.
	Interval time.Duration
	// PendingTTL expires pending entries older than this at the start of
	// every sweep. Zero keeps them forever.
	PendingTTL time.Duration
	// MaxCyclesPerSecond caps the cycle rate. Zero is unlimited.
	MaxCyclesPerSecond float64
}

// CycleResult is the outcome of one cycle.
type CycleResult struct {
	aggregator.Result

	// Empty is set when no pending test lies past the cursor.
	Empty bool
}

// SweepResult sums the cycles of one sweep.
type SweepResult struct {
	Cycles        int
	Fetched       int
	Aggregated    int
	StillBlocked  int
	ExpiredTests  int64
	ExpiredBuilds int64
	PendingTests  int64
	PendingBuilds int64
	Duration      time.Duration
}

// Scheduler runs cycles sequentially. It is not safe for concurrent use
// except for State and Cursor.
type Scheduler struct {
	log       logrus.FieldLogger
	store     Store
	processor *aggregator.Processor
	metrics   *metrics.Metrics
	cfg       Config
	limiter   *rate.Limiter

	mu     sync.Mutex
	cursor uint
	state  atomic.Int32
}

// New creates a Scheduler. m may be nil.
func New(
	log logrus.FieldLogger,
	s Store,
	cfg Config,
	m *metrics.Metrics,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	sched := &Scheduler{
		log:       log.WithField("component", "scheduler"),
		store:     s,
		processor: aggregator.NewProcessor(log, s),
		metrics:   m,
		cfg:       cfg,
	}

	if cfg.MaxCyclesPerSecond > 0 {
		sched.limiter = rate.NewLimiter(rate.Limit(cfg.MaxCyclesPerSecond), 1)
	}

	sched.setState(StateIdle)

	return sched
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Cursor returns the id of the last pending test the scheduler moved past.
func (s *Scheduler) Cursor() uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor
}

func (s *Scheduler) setCursor(c uint) {
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

// Cycle processes the next page after the cursor. The cursor moves past the
// page once its batch is committed, or when nothing in it was ready. On
// error it stays put so the next cycle retries the same page.
func (s *Scheduler) Cycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	cursor := s.Cursor()

	defer s.setState(StateIdle)

	s.setState(StateResolving)

	page, err := s.store.ListPendingTests(ctx, cursor, s.cfg.BatchSize)
	if err != nil {
		s.observe(metrics.OutcomeFailed, start, nil)

		return nil, fmt.Errorf("fetching pending page: %w", err)
	}

	if len(page) == 0 {
		s.setCursor(0)
		s.observe(metrics.OutcomeEmpty, start, nil)

		return &CycleResult{Empty: true}, nil
	}

	res, err := s.processor.Resolve(ctx, page)
	if err != nil {
		s.observe(metrics.OutcomeFailed, start, nil)

		return nil, err
	}

	s.setState(StateAggregating)

	result, err := s.processor.Aggregate(ctx, res)
	if err != nil {
		s.observe(metrics.OutcomeFailed, start, &aggregator.Result{Fetched: len(page)})

		return nil, err
	}

	result.Fetched = len(page)

	next := page[len(page)-1].ID
	s.setCursor(next)

	outcome := metrics.OutcomeBlocked
	if result.Committed {
		outcome = metrics.OutcomeCommitted

		s.setState(StateCommitted)
	}

	s.observe(outcome, start, result)

	s.log.WithFields(result.Fields()).
		WithField("cursor", next).
		WithField("duration", time.Since(start).Round(time.Millisecond)).
		Info("Cycle completed")

	return &CycleResult{Result: *result}, nil
}

func (s *Scheduler) observe(outcome string, start time.Time, r *aggregator.Result) {
	stats := metrics.CycleStats{Outcome: outcome, Duration: time.Since(start)}

	if r != nil {
		stats.Fetched = r.Fetched
		stats.Aggregated = r.Aggregated
		stats.SkippedNoBuild = r.SkippedNoBuild
		stats.SkippedNoCheckout = r.SkippedNoCheckout
	}

	s.metrics.ObserveCycle(stats)
}

// Sweep runs cycles until the queue past the cursor is exhausted. ctx is
// checked between cycles only; each cycle body runs to completion.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	sum := &SweepResult{}

	if s.cfg.PendingTTL > 0 {
		tests, builds, err := s.store.ExpirePending(
			context.WithoutCancel(ctx), time.Now().Add(-s.cfg.PendingTTL))
		if err != nil {
			return sum, fmt.Errorf("expiring pending entries: %w", err)
		}

		sum.ExpiredTests, sum.ExpiredBuilds = tests, builds
		s.metrics.ObserveExpired(tests, builds)
	}

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return sum, err
			}
		}

		res, err := s.Cycle(context.WithoutCancel(ctx))
		if err != nil {
			return sum, err
		}

		if res.Empty {
			break
		}

		sum.Cycles++
		sum.Fetched += res.Fetched
		sum.Aggregated += res.Aggregated
		sum.StillBlocked += res.SkippedNoBuild + res.SkippedNoCheckout
	}

	sum.Duration = time.Since(start)

	tests, builds, err := s.store.CountPending(context.WithoutCancel(ctx))
	if err != nil {
		s.log.WithError(err).Warn("Failed to count pending entries")
	} else {
		sum.PendingTests, sum.PendingBuilds = tests, builds
		s.metrics.SetPending(tests, builds)
	}

	s.metrics.ObserveSweep(time.Now())

	s.log.WithFields(logrus.Fields{
		"cycles":         sum.Cycles,
		"fetched":        sum.Fetched,
		"aggregated":     sum.Aggregated,
		"still_blocked":  sum.StillBlocked,
		"pending_tests":  sum.PendingTests,
		"pending_builds": sum.PendingBuilds,
		"duration":       sum.Duration.Round(time.Millisecond),
	}).Info("Sweep completed")

	return sum, nil
}

// Run performs one sweep, or sweeps until ctx is cancelled in loop mode.
// Cancellation is a clean stop and returns nil. In loop mode a failed
// cycle is retried after Interval unless the store is unreachable, which
// ends the loop with an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	s.log.WithFields(logrus.Fields{
		"batch_size":  s.cfg.BatchSize,
		"loop":        s.cfg.Loop,
		"interval":    s.cfg.Interval.String(),
		"pending_ttl": s.cfg.PendingTTL.String(),
	}).Info("Starting pending aggregation processor")

	for {
		sum, err := s.Sweep(ctx)

		switch {
		case ctx.Err() != nil:
			s.log.Info("Stopping pending aggregation processor")

			return nil
		case err != nil && !s.cfg.Loop:
			return err
		case err != nil:
			if perr := s.store.Ping(ctx); perr != nil {
				if ctx.Err() != nil {
					return nil
				}

				return errors.Join(err, fmt.Errorf("store unreachable: %w", perr))
			}

			s.log.WithError(err).
				WithField("cursor", s.Cursor()).
				Warn("Cycle failed, retrying")
		case !s.cfg.Loop:
			return nil
		case sum.Aggregated > 0:
			continue
		default:
			s.log.WithField("interval", s.cfg.Interval.String()).
				Debug("Nothing aggregated, sleeping")
		}

		if !sleep(ctx, s.cfg.Interval) {
			s.log.Info("Stopping pending aggregation processor")

			return nil
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
