// Package aggregator turns pages of pending tests into additive
// hardware_status deltas guarded by the processed-entity ledger.
package aggregator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kernelci/hwaggregator/pkg/store"
)

// Store is the persistence surface one aggregation pass needs.
type Store interface {
	EntityReader
	GetTestsByID(ctx context.Context, ids []string) ([]store.Test, error)
	ListProcessed(ctx context.Context, hardwareKeys []string) ([]store.ProcessedHardwareStatus, error)
	CommitBatch(ctx context.Context, batch *store.Batch) (*store.CommitResult, error)
}

// Result summarizes one processed page.
type Result struct {
	Fetched           int
	Ready             int
	SkippedNoBuild    int
	SkippedNoCheckout int
	// Aggregated counts tests whose ledger entry this pass recorded.
	Aggregated int
	Dropped    int
	// Duplicates are entities another worker counted between the ledger
	// prefetch and the commit.
	Duplicates   int
	HardwareKeys int
	Committed    bool
}

// Fields returns the result as log fields.
func (r *Result) Fields() logrus.Fields {
	return logrus.Fields{
		"fetched":             r.Fetched,
		"resolved":            r.Ready,
		"skipped_no_build":    r.SkippedNoBuild,
		"skipped_no_checkout": r.SkippedNoCheckout,
		"aggregated":          r.Aggregated,
		"dropped":             r.Dropped,
		"duplicates":          r.Duplicates,
		"hardware_keys":       r.HardwareKeys,
	}
}

// Processor runs resolve, accumulate and commit for one page.
type Processor struct {
	log      logrus.FieldLogger
	store    Store
	resolver *Resolver
}

// NewProcessor creates a Processor backed by s.
func NewProcessor(log logrus.FieldLogger, s Store) *Processor {
	return &Processor{
		log:      log.WithField("component", "aggregator"),
		store:    s,
		resolver: NewResolver(s),
	}
}

// Resolve exposes the read-only resolution phase.
func (p *Processor) Resolve(
	ctx context.Context, page []store.PendingTest,
) (*Resolution, error) {
	return p.resolver.Resolve(ctx, page)
}

// Aggregate folds the ready tests of res into one batch and commits it.
// Nothing is written when no test is ready. On commit failure nothing is
// written either and the error is returned.
func (p *Processor) Aggregate(
	ctx context.Context, res *Resolution,
) (*Result, error) {
	result := &Result{
		Ready:             len(res.ReadyTestIDs),
		SkippedNoBuild:    res.SkippedNoBuild,
		SkippedNoCheckout: res.SkippedNoCheckout,
	}

	if len(res.ReadyTestIDs) == 0 {
		return result, nil
	}

	tests, err := p.store.GetTestsByID(ctx, res.ReadyTestIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching ready tests: %w", err)
	}

	if len(tests) < len(res.ReadyTestIDs) {
		p.log.WithFields(logrus.Fields{
			"ready":   len(res.ReadyTestIDs),
			"fetched": len(tests),
		}).Warn("Pending tests without a raw test row")
	}

	rows, err := p.store.ListProcessed(ctx, CandidateKeys(tests, res.Builds, res.Checkouts))
	if err != nil {
		return nil, fmt.Errorf("prefetching ledger: %w", err)
	}

	ledger, err := NewLedger(rows)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}

	delta := Accumulate(tests, res.Builds, res.Checkouts, ledger)

	result.Dropped = delta.Dropped
	result.HardwareKeys = len(delta.Statuses)

	committed, err := p.store.CommitBatch(ctx, delta.Batch(res.ReadyTestIDs, res.BuildIDs()))
	if err != nil {
		return nil, err
	}

	result.Aggregated = committed.Tests
	result.Duplicates = committed.Duplicates
	result.Committed = true

	return result, nil
}

// Process resolves and aggregates one page.
func (p *Processor) Process(
	ctx context.Context, page []store.PendingTest,
) (*Result, error) {
	res, err := p.Resolve(ctx, page)
	if err != nil {
		return nil, err
	}

	result, err := p.Aggregate(ctx, res)
	if err != nil {
		return nil, err
	}

	result.Fetched = len(page)

	return result, nil
}
