package aggregator

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kernelci/hwaggregator/pkg/hwkey"
	"github.com/kernelci/hwaggregator/pkg/status"
	"github.com/kernelci/hwaggregator/pkg/store"
)

type ledgerEntry struct {
	key      hwkey.Key
	entityID string
	typ      store.EntityType
}

// Ledger is an in-memory view of processed_hardware_status for the keys of
// one batch.
type Ledger map[ledgerEntry]struct{}

// NewLedger builds a Ledger from stored rows.
func NewLedger(rows []store.ProcessedHardwareStatus) (Ledger, error) {
	l := make(Ledger, len(rows))

	for _, row := range rows {
		key, err := hwkey.Parse(row.HardwareKey)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s/%s: %w", row.EntityType, row.EntityID, err)
		}

		l.Add(key, row.EntityID, row.EntityType)
	}

	return l, nil
}

// Has reports whether the entity already counted towards key.
func (l Ledger) Has(key hwkey.Key, entityID string, typ store.EntityType) bool {
	_, ok := l[ledgerEntry{key: key, entityID: entityID, typ: typ}]

	return ok
}

// Add records the entity as counted towards key.
func (l Ledger) Add(key hwkey.Key, entityID string, typ store.EntityType) {
	l[ledgerEntry{key: key, entityID: entityID, typ: typ}] = struct{}{}
}

// Delta is the outcome of folding one batch of tests.
type Delta struct {
	// Statuses maps each touched hardware key to its counter increments.
	Statuses map[hwkey.Key]*store.HardwareStatus
	// Contributions are the per-entity increments behind Statuses. The
	// store applies these; the counters in Statuses are the batch-local sum.
	Contributions []store.Contribution
	// Aggregated is the number of tests this batch claims. The commit may
	// still find some of them taken by a concurrent worker.
	Aggregated int
	// Dropped is the number of tests that could not be placed on a
	// hardware key (no platform or unresolved parents).
	Dropped int
}

// Batch renders the delta as a store batch that also dequeues the given
// pending tests and builds. Rows are ordered by hardware key so concurrent
// writers lock them in the same order.
func (d *Delta) Batch(testIDs, buildIDs []string) *store.Batch {
	keys := make([]hwkey.Key, 0, len(d.Statuses))
	for k := range d.Statuses {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	statuses := make([]store.HardwareStatus, 0, len(keys))
	for _, k := range keys {
		statuses = append(statuses, *d.Statuses[k])
	}

	return &store.Batch{
		Statuses:      statuses,
		Contributions: d.Contributions,
		TestIDs:       testIDs,
		BuildIDs:      buildIDs,
	}
}

// CandidateKeys returns the hex hardware keys the given tests would touch.
// They are the keys whose ledger must be loaded before Accumulate.
func CandidateKeys(
	tests []store.Test,
	builds map[string]store.Build,
	checkouts map[string]store.Checkout,
) []string {
	seen := make(map[hwkey.Key]struct{}, len(tests))
	out := make([]string, 0, len(tests))

	for i := range tests {
		key, _, _, ok := place(&tests[i], builds, checkouts)
		if !ok {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, key.String())
	}

	sort.Strings(out)

	return out
}

// place resolves the hardware key, build and checkout of a test.
func place(
	t *store.Test,
	builds map[string]store.Build,
	checkouts map[string]store.Checkout,
) (hwkey.Key, store.Build, store.Checkout, bool) {
	platform := t.Platform()
	if platform == "" {
		return hwkey.Key{}, store.Build{}, store.Checkout{}, false
	}

	build, ok := builds[t.BuildID]
	if !ok {
		return hwkey.Key{}, store.Build{}, store.Checkout{}, false
	}

	checkout, ok := checkouts[build.CheckoutID]
	if !ok {
		return hwkey.Key{}, store.Build{}, store.Checkout{}, false
	}

	return hwkey.Derive(checkout.Origin, platform, checkout.ID), build, checkout, true
}

// Accumulate folds tests into per-hardware-key deltas. Entities present in
// ledger are skipped. The ledger is not modified; the returned
// contributions describe what this batch claims.
func Accumulate(
	tests []store.Test,
	builds map[string]store.Build,
	checkouts map[string]store.Checkout,
	ledger Ledger,
) *Delta {
	d := &Delta{Statuses: make(map[hwkey.Key]*store.HardwareStatus)}

	// Builds claimed earlier in this batch, per hardware key.
	claimed := make(Ledger)

	for i := range tests {
		t := &tests[i]

		key, build, checkout, ok := place(t, builds, checkouts)
		if !ok {
			d.Dropped++

			continue
		}

		row, ok := d.Statuses[key]
		if !ok {
			row = &store.HardwareStatus{
				CheckoutID:  checkout.ID,
				Origin:      checkout.Origin,
				Platform:    t.Platform(),
				HardwareKey: key.String(),
				StartTime:   checkout.StartTime,
			}
			d.Statuses[key] = row
		}

		if !ledger.Has(key, t.ID, store.EntityTest) && !claimed.Has(key, t.ID, store.EntityTest) {
			c := status.Count(t.Status)

			var inc store.Counters
			if status.IsBoot(t.Path) {
				inc = store.Counters{BootPass: c.Pass, BootFailed: c.Failed, BootInc: c.Incomplete}
			} else {
				inc = store.Counters{TestPass: c.Pass, TestFailed: c.Failed, TestInc: c.Incomplete}
			}

			claimed.Add(key, t.ID, store.EntityTest)
			d.contribute(row, t.ID, store.EntityTest, inc)
			d.Aggregated++
		}

		if row.Compatibles == nil && !store.IsNullCompatibles(t.EnvironmentCompatible) {
			compatibles := *t.EnvironmentCompatible
			row.Compatibles = &compatibles
		}

		if build.IsDummy() ||
			ledger.Has(key, build.ID, store.EntityBuild) ||
			claimed.Has(key, build.ID, store.EntityBuild) {
			continue
		}

		c := status.Count(build.Status)

		claimed.Add(key, build.ID, store.EntityBuild)
		d.contribute(row, build.ID, store.EntityBuild, store.Counters{
			BuildPass:   c.Pass,
			BuildFailed: c.Failed,
			BuildInc:    c.Incomplete,
		})
	}

	return d
}

func (d *Delta) contribute(
	row *store.HardwareStatus, entityID string, typ store.EntityType, inc store.Counters,
) {
	inc.AddTo(row)

	d.Contributions = append(d.Contributions, store.Contribution{
		HardwareKey: row.HardwareKey,
		EntityID:    entityID,
		EntityType:  typ,
		Counters:    inc,
	})
}
