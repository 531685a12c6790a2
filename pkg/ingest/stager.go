// Package ingest writes raw KCIDB entities and stages them for hardware
// aggregation.
package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kernelci/hwaggregator/pkg/status"
	"github.com/kernelci/hwaggregator/pkg/store"
)

// Store is the persistence surface staging needs.
type Store interface {
	SaveCheckouts(ctx context.Context, checkouts []store.Checkout) error
	SaveBuilds(ctx context.Context, builds []store.Build) error
	SaveTests(ctx context.Context, tests []store.Test) error
	UpsertLatestCheckouts(ctx context.Context, rows []store.LatestCheckout) (int64, error)
	EnqueuePendingTests(ctx context.Context, rows []store.PendingTest) (int64, error)
	EnqueuePendingBuilds(ctx context.Context, rows []store.PendingBuild) (int64, error)
}

// Summary counts what one Stage call wrote.
type Summary struct {
	Checkouts      int
	Builds         int
	Tests          int
	LatestModified int64
	PendingBuilds  int64
	PendingTests   int64
	DummyBuilds    int
	DroppedTests   int
}

// Stager hands freshly ingested entities to the aggregation engine.
type Stager struct {
	log   logrus.FieldLogger
	store Store
}

// NewStager creates a Stager.
func NewStager(log logrus.FieldLogger, s Store) *Stager {
	return &Stager{
		log:   log.WithField("component", "ingest"),
		store: s,
	}
}

// Stage saves raw rows, refreshes latest_checkout and enqueues pending
// work. Dummy builds are never enqueued; tests without a platform are
// dropped before reaching the queue. Re-staging the same entities is a
// no-op.
func (s *Stager) Stage(
	ctx context.Context,
	checkouts []store.Checkout,
	builds []store.Build,
	tests []store.Test,
) (*Summary, error) {
	sum := &Summary{
		Checkouts: len(checkouts),
		Builds:    len(builds),
		Tests:     len(tests),
	}

	if err := s.store.SaveCheckouts(ctx, checkouts); err != nil {
		return nil, err
	}

	if err := s.store.SaveBuilds(ctx, builds); err != nil {
		return nil, err
	}

	if err := s.store.SaveTests(ctx, tests); err != nil {
		return nil, err
	}

	latest := make([]store.LatestCheckout, 0, len(checkouts))
	for _, c := range checkouts {
		latest = append(latest, store.LatestCheckout{
			CheckoutID:          c.ID,
			Origin:              c.Origin,
			TreeName:            c.TreeName,
			GitRepositoryURL:    c.GitRepositoryURL,
			GitRepositoryBranch: c.GitRepositoryBranch,
			StartTime:           c.StartTime,
		})
	}

	modified, err := s.store.UpsertLatestCheckouts(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("updating latest checkouts: %w", err)
	}

	sum.LatestModified = modified

	pendingBuilds := make([]store.PendingBuild, 0, len(builds))
	for i := range builds {
		b := &builds[i]
		if b.IsDummy() {
			sum.DummyBuilds++

			continue
		}

		pendingBuilds = append(pendingBuilds, store.PendingBuild{
			BuildID:    b.ID,
			CheckoutID: b.CheckoutID,
			Origin:     b.Origin,
			Status:     b.Status,
		})
	}

	if sum.PendingBuilds, err = s.store.EnqueuePendingBuilds(ctx, pendingBuilds); err != nil {
		return nil, err
	}

	pendingTests := make([]store.PendingTest, 0, len(tests))
	for i := range tests {
		t := &tests[i]

		platform := t.Platform()
		if platform == "" {
			sum.DroppedTests++

			continue
		}

		pendingTests = append(pendingTests, store.PendingTest{
			TestID:     t.ID,
			BuildID:    t.BuildID,
			Origin:     t.Origin,
			Platform:   platform,
			Compatible: t.EnvironmentCompatible,
			Status:     t.Status,
			Path:       t.Path,
			IsBoot:     status.IsBoot(t.Path),
		})
	}

	if sum.PendingTests, err = s.store.EnqueuePendingTests(ctx, pendingTests); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"checkouts":       sum.Checkouts,
		"builds":          sum.Builds,
		"tests":           sum.Tests,
		"latest_modified": sum.LatestModified,
		"pending_builds":  sum.PendingBuilds,
		"pending_tests":   sum.PendingTests,
		"dummy_builds":    sum.DummyBuilds,
		"dropped_tests":   sum.DroppedTests,
	}).Info("Staged submission")

	return sum, nil
}

// StageSubmission stages every entity of sub.
func (s *Stager) StageSubmission(ctx context.Context, sub *Submission) (*Summary, error) {
	checkouts, builds, tests := sub.Rows()

	return s.Stage(ctx, checkouts, builds, tests)
}
