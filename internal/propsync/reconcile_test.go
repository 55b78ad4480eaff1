package propsync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propsync/internal/model"
	"propsync/internal/propsync"
	"propsync/internal/testutil"
)

func bundledKind() propsync.Kind {
	return testutil.NewKind([]model.Entity{
		testutil.NewEntity("1", model.Available, 825, 10),
		testutil.NewEntity("5", model.Occupied, 1100, 9),
		testutil.NewEntity("6", model.Sold, 1400, 8),
	}, "2", "3", "4")
}

func remoteWrites(h *testutil.Harness) int {
	return h.Remote.Calls(testutil.OpSet) + h.Remote.Calls(testutil.OpUpdate) + h.Remote.Calls(testutil.OpDelete)
}

func TestInitializeDefaults_SeedsEmptyCollection(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, bundledKind())

	report, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, propsync.ReconcileReport{Saved: 3}, report)

	docs, err := h.Remote.List(ctx, "listings")
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestInitializeDefaults_Reconciles(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, bundledKind())

	drifted := testutil.NewEntity("1", model.Sold, 999, 10)
	drifted.Attributes["title"] = "Renamed by an operator"
	h.Remote.Seed(t, "listings",
		drifted,
		testutil.NewEntity("5", model.Occupied, 1100, 9),
		testutil.NewEntity("2", model.Available, 10, 1),
		testutil.NewEntity("3", model.Available, 10, 2),
		testutil.NewEntity("user-added", model.Available, 50, 20),
	)

	report, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, propsync.ReconcileReport{Saved: 1, Updated: 1, Deleted: 2}, report)

	got, ok := h.Sync.FetchByID(ctx, "1")
	require.True(t, ok)
	assert.Equal(t, model.Available, got.Availability, "availability forced to bundled value")
	assert.Equal(t, 825.0, got.Attr("price"), "price forced to bundled value")
	assert.Equal(t, "Renamed by an operator", got.Attr("title"), "other attributes untouched")

	for _, id := range []string{"2", "3"} {
		_, found, err := h.Remote.Get(ctx, "listings", id)
		require.NoError(t, err)
		assert.False(t, found, "deprecated id %s still present", id)
	}

	for _, id := range []string{"5", "6", "user-added"} {
		_, found, err := h.Remote.Get(ctx, "listings", id)
		require.NoError(t, err)
		assert.True(t, found, "id %s missing", id)
	}
}

func TestInitializeDefaults_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, bundledKind())
	h.Remote.Seed(t, "listings",
		testutil.NewEntity("1", model.Maintenance, 1, 10),
		testutil.NewEntity("4", model.Available, 10, 1),
	)

	first, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)
	require.True(t, first.Changed())

	h.Remote.ResetCalls()
	second, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.False(t, second.Changed(), "second run report = %+v", second)
	assert.Zero(t, remoteWrites(h))
}

func TestInitializeDefaults_NeverSeedsDeprecatedIDs(t *testing.T) {
	ctx := context.Background()
	kind := bundledKind()
	kind.Defaults = append(kind.Defaults, testutil.NewEntity("2", model.Available, 1, 1))
	h := testutil.NewHarness(t, kind)

	_, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)

	_, found, err := h.Remote.Get(ctx, "listings", "2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInitializeDefaults_ListFailure(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, bundledKind())
	h.Remote.Fail(testutil.OpList, propsync.ErrUnavailable)

	report, err := h.Sync.InitializeDefaults(ctx)
	assert.ErrorIs(t, err, propsync.ErrUnavailable)
	assert.False(t, report.Changed())
	assert.Zero(t, remoteWrites(h))
}

func TestInitializeDefaults_PurgesExactlyDeprecatedDemoIDs(t *testing.T) {
	ctx := context.Background()
	kind := testutil.NewKind([]model.Entity{
		testutil.NewEntity("1", model.Available, 825, 10),
		testutil.NewEntity("5", model.Occupied, 1100, 9),
	}, "2", "3", "4")
	h := testutil.NewHarness(t, kind)
	h.Remote.Seed(t, "listings",
		testutil.NewEntity("1", model.Available, 825, 10),
		testutil.NewEntity("2", model.Available, 10, 1),
		testutil.NewEntity("3", model.Available, 10, 2),
		testutil.NewEntity("4", model.Available, 10, 3),
		testutil.NewEntity("5", model.Occupied, 1100, 9),
	)
	before, err := h.Remote.List(ctx, "listings")
	require.NoError(t, err)
	h.Remote.ResetCalls()

	report, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, propsync.ReconcileReport{Deleted: 3}, report)
	assert.Equal(t, 3, h.Remote.Calls(testutil.OpDelete))
	assert.Zero(t, h.Remote.Calls(testutil.OpSet)+h.Remote.Calls(testutil.OpUpdate))

	after, err := h.Remote.List(ctx, "listings")
	require.NoError(t, err)
	var kept []model.WireEntity
	for _, d := range before {
		if d.ID == "1" || d.ID == "5" {
			kept = append(kept, d)
		}
	}
	assert.ElementsMatch(t, kept, after, "ids 1 and 5 must be untouched")
}

func TestInitializeDefaults_ForcesBundledAvailabilityAndPrice(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.NewKind([]model.Entity{
		testutil.NewEntity("1", model.Sold, 950, 0),
	}))
	h.Remote.Seed(t, "listings", testutil.NewEntity("1", model.Available, 825, 0))

	_, err := h.Sync.InitializeDefaults(ctx)
	require.NoError(t, err)

	doc, found, err := h.Remote.Get(ctx, "listings", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sold", doc.Availability)
	assert.EqualValues(t, 950, doc.Attributes["price"])
}
