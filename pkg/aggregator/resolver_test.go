package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/hwaggregator/pkg/store"
)

type fakeReader struct {
	builds    map[string]store.Build
	checkouts map[string]store.Checkout
	err       error

	buildCalls    [][]string
	checkoutCalls [][]string
}

func (f *fakeReader) GetBuildsByID(_ context.Context, ids []string) (map[string]store.Build, error) {
	f.buildCalls = append(f.buildCalls, ids)

	if f.err != nil {
		return nil, f.err
	}

	out := make(map[string]store.Build)

	for _, id := range ids {
		if b, ok := f.builds[id]; ok {
			out[id] = b
		}
	}

	return out, nil
}

func (f *fakeReader) GetCheckoutsByID(_ context.Context, ids []string) (map[string]store.Checkout, error) {
	f.checkoutCalls = append(f.checkoutCalls, ids)

	out := make(map[string]store.Checkout)

	for _, id := range ids {
		if c, ok := f.checkouts[id]; ok {
			out[id] = c
		}
	}

	return out, nil
}

func TestResolver_Partition(t *testing.T) {
	reader := &fakeReader{
		builds: buildsOf(
			store.Build{ID: "b1", CheckoutID: "c1"},
			store.Build{ID: "b2", CheckoutID: "c-missing"},
		),
		checkouts: checkoutsOf(store.Checkout{ID: "c1", Origin: "maestro"}),
	}

	page := []store.PendingTest{
		{ID: 1, TestID: "t1", BuildID: "b1"},
		{ID: 2, TestID: "t2", BuildID: "missing-build"},
		{ID: 3, TestID: "t3", BuildID: "b2"},
		{ID: 4, TestID: "t4", BuildID: "b1"},
	}

	res, err := NewResolver(reader).Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t4"}, res.ReadyTestIDs)
	assert.Equal(t, 1, res.SkippedNoBuild)
	assert.Equal(t, 1, res.SkippedNoCheckout)
	assert.Equal(t, []string{"b1"}, res.BuildIDs())
	assert.Contains(t, res.Checkouts, "c1")
	assert.NotContains(t, res.Builds, "b2")

	// Build ids are fetched once each, in a single query.
	require.Len(t, reader.buildCalls, 1)
	assert.ElementsMatch(t, []string{"b1", "missing-build", "b2"}, reader.buildCalls[0])
	require.Len(t, reader.checkoutCalls, 1)
	assert.ElementsMatch(t, []string{"c1", "c-missing"}, reader.checkoutCalls[0])
}

func TestResolver_NoBuildsShortCircuits(t *testing.T) {
	reader := &fakeReader{}

	res, err := NewResolver(reader).Resolve(context.Background(), []store.PendingTest{
		{ID: 1, TestID: "t1", BuildID: "b1"},
		{ID: 2, TestID: "t2", BuildID: "b2"},
	})
	require.NoError(t, err)

	assert.Empty(t, res.ReadyTestIDs)
	assert.Equal(t, 2, res.SkippedNoBuild)
	assert.Empty(t, reader.checkoutCalls)
}

func TestResolver_EmptyPage(t *testing.T) {
	reader := &fakeReader{}

	res, err := NewResolver(reader).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.ReadyTestIDs)
	assert.Empty(t, reader.buildCalls)
}

func TestResolver_PropagatesErrors(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection reset")}

	_, err := NewResolver(reader).Resolve(context.Background(), []store.PendingTest{
		{ID: 1, TestID: "t1", BuildID: "b1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolving builds")
}
