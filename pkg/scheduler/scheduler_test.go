package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/kernelci/hwaggregator/pkg/config"
	"github.com/kernelci/hwaggregator/pkg/metrics"
	"github.com/kernelci/hwaggregator/pkg/store"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// flakyStore fails the next N commits and optionally every ping.
type flakyStore struct {
	store.Store

	commitFailures atomic.Int32
	pingErr        error
}

func (f *flakyStore) CommitBatch(ctx context.Context, b *store.Batch) (*store.CommitResult, error) {
	if f.commitFailures.Add(-1) >= 0 {
		return nil, errors.New("deadlock detected")
	}

	return f.Store.CommitBatch(ctx, b)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}

	return f.Store.Ping(ctx)
}

func seed(t *testing.T, s store.Store, tests ...store.Test) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, s.SaveCheckouts(ctx, []store.Checkout{
		{ID: "c1", Origin: "maestro", TreeName: "mainline", StartTime: t0},
	}))
	require.NoError(t, s.SaveBuilds(ctx, []store.Build{
		{ID: "b1", CheckoutID: "c1", Origin: "maestro", Status: "PASS"},
	}))
	require.NoError(t, s.SaveTests(ctx, tests))

	pending := make([]store.PendingTest, 0, len(tests))
	for _, tt := range tests {
		pending = append(pending, store.PendingTest{
			TestID:   tt.ID,
			BuildID:  tt.BuildID,
			Origin:   tt.Origin,
			Platform: tt.Platform(),
			Status:   tt.Status,
			Path:     tt.Path,
		})
	}

	_, err := s.EnqueuePendingTests(ctx, pending)
	require.NoError(t, err)
}

func armTest(id, buildID string) store.Test {
	return store.Test{
		ID:              id,
		BuildID:         buildID,
		Origin:          "maestro",
		Path:            "baseline.login",
		Status:          "PASS",
		EnvironmentMisc: datatypes.JSONMap{"platform": "arm64"},
	}
}

func TestRun_SingleShotPagesThroughQueue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s,
		armTest("t1", "b1"),
		armTest("t2", "b1"),
		armTest("t3", "missing"),
		armTest("t4", "b1"),
		armTest("t5", "b1"),
		armTest("t6", "b1"),
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sched := New(testLogger(), s, Config{BatchSize: 2}, m)
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, StateStopped, sched.State())
	assert.Zero(t, sched.Cursor(), "an exhausted sweep resets the cursor")

	row, err := s.GetHardwareStatus(ctx, "maestro", "arm64", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, row.TestPass)
	assert.Equal(t, 1, row.BuildPass)

	pending, err := s.ListPendingTests(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t3", pending[0].TestID)

	assert.InDelta(t, 3, testutil.ToFloat64(m.Cycles.WithLabelValues(metrics.OutcomeCommitted)), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.TestsAggregated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingDepth.WithLabelValues("test")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Sweeps), 0)

	// A second sweep over unchanged data changes nothing.
	require.NoError(t, New(testLogger(), s, Config{BatchSize: 2}, nil).Run(ctx))

	again, err := s.GetHardwareStatus(ctx, "maestro", "arm64", "c1")
	require.NoError(t, err)
	assert.Equal(t, row.TestPass, again.TestPass)
	assert.Equal(t, row.BuildPass, again.BuildPass)
}

func TestCycle_CursorAdvancesPastBlockedPage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s, armTest("t1", "missing"), armTest("t2", "b1"))

	sched := New(testLogger(), s, Config{BatchSize: 1}, nil)

	res, err := sched.Cycle(ctx)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 1, res.SkippedNoBuild)

	pending, err := s.ListPendingTests(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, pending[0].ID, sched.Cursor())

	res, err = sched.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Aggregated)
	assert.Equal(t, pending[1].ID, sched.Cursor())

	res, err = sched.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Zero(t, sched.Cursor())
	assert.Equal(t, StateIdle, sched.State())
}

func TestCycle_CommitFailureKeepsCursor(t *testing.T) {
	base := setupTestStore(t)
	ctx := context.Background()

	seed(t, base, armTest("t1", "b1"))

	flaky := &flakyStore{Store: base}
	flaky.commitFailures.Store(1)

	sched := New(testLogger(), flaky, Config{BatchSize: 10}, nil)

	_, err := sched.Cycle(ctx)
	require.Error(t, err)
	assert.Zero(t, sched.Cursor())

	_, err = base.GetHardwareStatus(ctx, "maestro", "arm64", "c1")
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err := sched.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.NotZero(t, sched.Cursor())

	row, err := base.GetHardwareStatus(ctx, "maestro", "arm64", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, row.TestPass)
}

func TestRun_SingleShotReturnsCommitError(t *testing.T) {
	base := setupTestStore(t)

	seed(t, base, armTest("t1", "b1"))

	flaky := &flakyStore{Store: base}
	flaky.commitFailures.Store(1)

	err := New(testLogger(), flaky, Config{BatchSize: 10}, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestRun_LoopRetriesAfterFailure(t *testing.T) {
	base := setupTestStore(t)

	seed(t, base, armTest("t1", "b1"))

	flaky := &flakyStore{Store: base}
	flaky.commitFailures.Store(2)

	sched := New(testLogger(), flaky, Config{
		BatchSize: 10,
		Loop:      true,
		Interval:  5 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		row, err := base.GetHardwareStatus(context.Background(), "maestro", "arm64", "c1")

		return err == nil && row.TestPass == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, StateStopped, sched.State())
}

func TestRun_LoopStopsWhenStoreUnreachable(t *testing.T) {
	base := setupTestStore(t)

	seed(t, base, armTest("t1", "b1"))

	flaky := &flakyStore{Store: base, pingErr: errors.New("connection refused")}
	flaky.commitFailures.Store(1)

	err := New(testLogger(), flaky, Config{
		BatchSize: 10,
		Loop:      true,
		Interval:  time.Millisecond,
	}, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestRun_LoopPicksUpNewWork(t *testing.T) {
	s := setupTestStore(t)

	sched := New(testLogger(), s, Config{
		BatchSize: 10,
		Loop:      true,
		Interval:  10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- sched.Run(ctx) }()

	seed(t, s, armTest("t1", "b1"), armTest("t2", "b1"))

	require.Eventually(t, func() bool {
		row, err := s.GetHardwareStatus(context.Background(), "maestro", "arm64", "c1")

		return err == nil && row.TestPass == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSweep_ExpiresStalePending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s, armTest("t1", "never-arrives"))

	time.Sleep(20 * time.Millisecond)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sum, err := New(testLogger(), s, Config{PendingTTL: 10 * time.Millisecond}, m).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.ExpiredTests)
	assert.Zero(t, sum.PendingTests)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingExpired.WithLabelValues("test")), 0)
}

func TestSweep_KeepsPendingWithoutTTL(t *testing.T) {
	s := setupTestStore(t)

	seed(t, s, armTest("t1", "never-arrives"))

	sum, err := New(testLogger(), s, Config{}, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.ExpiredTests)
	assert.Equal(t, 1, sum.StillBlocked)
	assert.Equal(t, int64(1), sum.PendingTests)
}

func TestSweep_StopsBetweenCycles(t *testing.T) {
	s := setupTestStore(t)

	seed(t, s, armTest("t1", "b1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testLogger(), s, Config{}, nil).Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)

	pending, err := s.ListPendingTests(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSweep_RateLimited(t *testing.T) {
	s := setupTestStore(t)

	seed(t, s, armTest("t1", "b1"), armTest("t2", "b1"), armTest("t3", "b1"))

	start := time.Now()

	sum, err := New(testLogger(), s, Config{
		BatchSize:          1,
		MaxCyclesPerSecond: 20,
	}, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Cycles)

	// Four cycles (three pages plus the empty one) at 20/s with a burst of
	// one take at least 150ms.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:        "IDLE",
		StateResolving:   "RESOLVING",
		StateAggregating: "AGGREGATING",
		StateCommitted:   "COMMITTED",
		StateStopped:     "STOPPED",
		State(42):        "UNKNOWN",
	}

	for st, want := range tests {
		assert.Equal(t, want, st.String())
	}
}
