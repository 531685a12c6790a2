package aggregator

import (
	"context"
	"fmt"
	"sort"

	"github.com/kernelci/hwaggregator/pkg/store"
)

// EntityReader bulk-fetches raw entities by id.
type EntityReader interface {
	GetBuildsByID(ctx context.Context, ids []string) (map[string]store.Build, error)
	GetCheckoutsByID(ctx context.Context, ids []string) (map[string]store.Checkout, error)
}

// Resolution partitions one page of pending tests into ready and blocked.
type Resolution struct {
	// ReadyTestIDs are the tests whose build and checkout both resolved,
	// in page order.
	ReadyTestIDs []string
	// Builds holds the resolved builds of ready tests.
	Builds map[string]store.Build
	// Checkouts holds the resolved checkouts of ready tests.
	Checkouts map[string]store.Checkout

	SkippedNoBuild    int
	SkippedNoCheckout int
}

// BuildIDs returns the ids of the builds backing ready tests, sorted.
func (r *Resolution) BuildIDs() []string {
	ids := make([]string, 0, len(r.Builds))
	for id := range r.Builds {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Resolver looks up the parent chain of pending tests. It only reads.
type Resolver struct {
	reader EntityReader
}

// NewResolver creates a Resolver reading from r.
func NewResolver(r EntityReader) *Resolver {
	return &Resolver{reader: r}
}

// Resolve fetches the builds referenced by page and then their checkouts.
// A test is ready when both resolve. Blocked tests are only counted, never
// touched.
func (r *Resolver) Resolve(
	ctx context.Context, page []store.PendingTest,
) (*Resolution, error) {
	res := &Resolution{
		Builds:    make(map[string]store.Build),
		Checkouts: make(map[string]store.Checkout),
	}

	if len(page) == 0 {
		return res, nil
	}

	builds, err := r.reader.GetBuildsByID(ctx, distinct(page, func(pt store.PendingTest) string {
		return pt.BuildID
	}))
	if err != nil {
		return nil, fmt.Errorf("resolving builds: %w", err)
	}

	if len(builds) == 0 {
		res.SkippedNoBuild = len(page)

		return res, nil
	}

	checkoutIDs := make([]string, 0, len(builds))
	seen := make(map[string]struct{}, len(builds))

	for _, b := range builds {
		if _, ok := seen[b.CheckoutID]; ok {
			continue
		}

		seen[b.CheckoutID] = struct{}{}
		checkoutIDs = append(checkoutIDs, b.CheckoutID)
	}

	sort.Strings(checkoutIDs)

	checkouts, err := r.reader.GetCheckoutsByID(ctx, checkoutIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving checkouts: %w", err)
	}

	for _, pt := range page {
		build, ok := builds[pt.BuildID]
		if !ok {
			res.SkippedNoBuild++

			continue
		}

		checkout, ok := checkouts[build.CheckoutID]
		if !ok {
			res.SkippedNoCheckout++

			continue
		}

		res.ReadyTestIDs = append(res.ReadyTestIDs, pt.TestID)
		res.Builds[build.ID] = build
		res.Checkouts[checkout.ID] = checkout
	}

	return res, nil
}

func distinct[T any](items []T, key func(T) string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))

	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, k)
	}

	return out
}
