package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestMetrics_ObserveCycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCycle(CycleStats{
		Outcome:           OutcomeCommitted,
		Duration:          20 * time.Millisecond,
		Fetched:           10,
		Aggregated:        7,
		SkippedNoBuild:    2,
		SkippedNoCheckout: 1,
	})
	m.ObserveCycle(CycleStats{Outcome: OutcomeFailed, Fetched: 5})

	assert.InDelta(t, 1, testutil.ToFloat64(m.Cycles.WithLabelValues(OutcomeCommitted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Cycles.WithLabelValues(OutcomeFailed)), 0)
	assert.InDelta(t, 15, testutil.ToFloat64(m.TestsFetched), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.TestsAggregated), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.TestsSkipped.WithLabelValues("no_build")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.TestsSkipped.WithLabelValues("no_checkout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CommitFailures), 0)
}

func TestMetrics_QueueAndSweep(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetPending(12, 3)
	m.ObserveExpired(4, 1)
	m.ObserveSweep(time.Unix(1_700_000_000, 0))

	assert.InDelta(t, 12, testutil.ToFloat64(m.PendingDepth.WithLabelValues("test")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.PendingDepth.WithLabelValues("build")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.PendingExpired.WithLabelValues("test")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Sweeps), 0)
	assert.InDelta(t, 1_700_000_000, testutil.ToFloat64(m.LastSweepUnixTime), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCycle(CycleStats{Outcome: OutcomeEmpty})
		m.ObserveSweep(time.Now())
		m.ObserveExpired(1, 1)
		m.SetPending(1, 1)
	})
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantStatus int
		wantBody   string
	}{
		{name: "no pinger", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "healthy store", pinger: fakePinger{}, wantStatus: http.StatusOK, wantBody: "ok"},
		{
			name:       "store down",
			pinger:     fakePinger{err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &server{
				log:      testLogger(),
				gatherer: prometheus.NewRegistry(),
				pinger:   tt.pinger,
			}

			rec := httptest.NewRecorder()
			s.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetPending(5, 0)

	srv := NewServer(testLogger(), "127.0.0.1:0", reg, nil)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() { _ = srv.Stop() })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `hwaggregator_pending_depth{entity="test"} 5`))
}

func TestServer_ListenConflict(t *testing.T) {
	first := NewServer(testLogger(), "127.0.0.1:0", prometheus.NewRegistry(), nil)
	require.NoError(t, first.Start(context.Background()))

	t.Cleanup(func() { _ = first.Stop() })

	second := NewServer(testLogger(), first.Addr(), prometheus.NewRegistry(), nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}
