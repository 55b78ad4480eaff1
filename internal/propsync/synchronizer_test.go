package propsync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propsync/internal/model"
	"propsync/internal/propsync"
	"propsync/internal/testutil"
)

func defaultsKind() propsync.Kind {
	return testutil.NewKind([]model.Entity{
		testutil.NewEntity("d1", model.Available, 500, 1),
		testutil.NewEntity("d2", model.Sold, 700, 2),
	})
}

func TestFetchAll_RemoteMirrorsIntoCache(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, defaultsKind())
	h.Remote.Seed(t, "listings",
		testutil.NewEntity("a", model.Available, 100, 1),
		testutil.NewEntity("b", model.Occupied, 200, 3),
		testutil.NewEntity("c", model.Sold, 300, 2),
	)

	got, source := h.Sync.FetchAllWithSource(ctx)
	assert.Equal(t, propsync.SourceRemote, source)
	assert.Equal(t, []string{"b", "c", "a"}, testutil.IDs(got))

	cached := h.Cache.Read(ctx, "test.listings")
	assert.Equal(t, []string{"b", "c", "a"}, testutil.IDs(cached))
}

func TestFetchAll_EmptyRemote(t *testing.T) {
	ctx := context.Background()

	t.Run("serves cache when present", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		require.NoError(t, h.Cache.WriteAll(ctx, "test.listings", []model.Entity{
			testutil.NewEntity("stale", model.Available, 1, 1),
		}))

		got, source := h.Sync.FetchAllWithSource(ctx)
		assert.Equal(t, propsync.SourceCache, source)
		assert.Equal(t, []string{"stale"}, testutil.IDs(got))
	})

	t.Run("serves defaults when cache is empty", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())

		got, source := h.Sync.FetchAllWithSource(ctx)
		assert.Equal(t, propsync.SourceDefaults, source)
		assert.Equal(t, []string{"d2", "d1"}, testutil.IDs(got))
	})
}

func TestFetchAll_FallbackMonotonicity(t *testing.T) {
	ctx := context.Background()
	failures := []error{
		propsync.ErrUnavailable,
		propsync.ErrDeadlineExceeded,
		propsync.ErrPermissionDenied,
		propsync.ErrInternalAssertion,
		propsync.ErrDuplicateTarget,
		propsync.ErrDocumentTooLarge,
		errors.New("connection reset by peer"),
	}

	for _, failure := range failures {
		t.Run(failure.Error(), func(t *testing.T) {
			h := testutil.NewHarness(t, defaultsKind())
			cached := []model.Entity{
				testutil.NewEntity("x", model.Available, 1, 1),
				testutil.NewEntity("y", model.Available, 2, 2),
				testutil.NewEntity("z", model.Available, 3, 3),
			}
			require.NoError(t, h.Cache.WriteAll(ctx, "test.listings", cached))
			h.Remote.Fail(testutil.OpList, failure)

			got, source := h.Sync.FetchAllWithSource(ctx)
			assert.Equal(t, propsync.SourceCache, source)
			assert.Len(t, got, len(cached), "must serve the cache, not the %d defaults", len(h.Sync.Kind().Defaults))
		})
	}

	t.Run("defaults only when cache is empty", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Fail(testutil.OpList, propsync.ErrUnavailable)

		got, source := h.Sync.FetchAllWithSource(ctx)
		assert.Equal(t, propsync.SourceDefaults, source)
		assert.Len(t, got, 2)
	})
}

func TestFetchAll_CorruptCacheIsAMiss(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, defaultsKind())
	require.NoError(t, h.KV.Set(ctx, "test.listings", []byte("{not json")))
	h.Remote.Fail(testutil.OpList, propsync.ErrUnavailable)

	got, source := h.Sync.FetchAllWithSource(ctx)
	assert.Equal(t, propsync.SourceDefaults, source)
	assert.Len(t, got, 2)
	assert.True(t, h.Logger.Contains("WARN", "cache entry unreadable"), h.Logger.String())
}

func TestFetchAll_SkipsMalformedRemoteDocuments(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, defaultsKind())
	h.Remote.Seed(t, "listings", testutil.NewEntity("good", model.Available, 1, 1))
	require.NoError(t, h.Remote.MemoryStore.Set(ctx, "listings", model.WireEntity{
		ID: "bad", Availability: "demolished", CreatedAt: "2024-01-01T00:00:00.000Z",
	}))

	got, source := h.Sync.FetchAllWithSource(ctx)
	assert.Equal(t, propsync.SourceRemote, source)
	assert.Equal(t, []string{"good"}, testutil.IDs(got))
}

func TestFetchByID(t *testing.T) {
	ctx := context.Background()

	t.Run("remote hit", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Occupied, 100, 1))

		got, ok := h.Sync.FetchByID(ctx, "a")
		require.True(t, ok)
		assert.Equal(t, model.Occupied, got.Availability)
	})

	t.Run("remote failure falls back to cache then defaults", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		require.NoError(t, h.Cache.WriteAll(ctx, "test.listings", []model.Entity{
			testutil.NewEntity("cached", model.Available, 1, 1),
		}))
		h.Remote.Fail(testutil.OpGet, propsync.ErrUnavailable)

		got, ok := h.Sync.FetchByID(ctx, "cached")
		require.True(t, ok)
		assert.Equal(t, "cached", got.ID)

		got, ok = h.Sync.FetchByID(ctx, "d2")
		require.True(t, ok)
		assert.Equal(t, model.Sold, got.Availability)

		_, ok = h.Sync.FetchByID(ctx, "nowhere")
		assert.False(t, ok)
	})

	t.Run("remote miss is authoritative", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		_, err := h.Sync.InitializeDefaults(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Sync.Delete(ctx, "d1"))

		_, ok := h.Sync.FetchByID(ctx, "d1")
		assert.False(t, ok, "deleted default resurfaced")
	})

	t.Run("remote miss with queued writes serves the cache", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Fail(testutil.OpSet, propsync.ErrUnavailable)
		_, err := h.Sync.Save(ctx, testutil.NewEntity("queued", model.Available, 10, 1))
		require.NoError(t, err)
		h.Remote.Heal()

		got, ok := h.Sync.FetchByID(ctx, "queued")
		require.True(t, ok)
		assert.Equal(t, "queued", got.ID)
	})

	t.Run("empty id skips the network", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		for _, id := range []string{"", "   "} {
			_, ok := h.Sync.FetchByID(ctx, id)
			assert.False(t, ok)
		}
		assert.Zero(t, h.Remote.Calls(testutil.OpGet))
	})
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id and timestamps", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		got, err := h.Sync.Save(ctx, model.Entity{Attributes: map[string]any{"title": "New"}})
		require.NoError(t, err)

		assert.Equal(t, "id-1", got.ID)
		assert.Equal(t, model.Available, got.Availability)
		assert.True(t, got.CreatedAt.Equal(h.Clock.Now()), "CreatedAt = %v", got.CreatedAt)
		assert.True(t, got.UpdatedAt.Equal(h.Clock.Now()), "UpdatedAt = %v", got.UpdatedAt)

		_, found, err := h.Remote.Get(ctx, "listings", "id-1")
		require.NoError(t, err)
		assert.True(t, found)
		_, ok := h.Cache.Find(ctx, "test.listings", "id-1")
		assert.True(t, ok)
	})

	t.Run("rejects invalid entities before any write", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		e := testutil.NewEntity("a", model.Available, 1, 1)
		for i := 0; i <= model.MaxMediaItems; i++ {
			e.Media = append(e.Media, model.MediaRef(fmt.Sprintf("https://img.example/%d.jpg", i)))
		}
		_, err := h.Sync.Save(ctx, e)
		assert.ErrorIs(t, err, propsync.ErrValidation)
		assert.NotErrorIs(t, err, propsync.ErrBothTiersFailed)
		assert.Zero(t, h.Remote.Calls(testutil.OpSet))
	})

	t.Run("remote failure saves to cache and returns the entity", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Fail(testutil.OpSet, propsync.ErrUnavailable)

		in := testutil.NewEntity("42", model.Occupied, 1234, 5)
		got, err := h.Sync.Save(ctx, in)
		require.NoError(t, err)

		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.Attributes, got.Attributes)
		assert.Equal(t, in.Availability, got.Availability)
		assert.True(t, got.CreatedAt.Equal(in.CreatedAt))

		cached, ok := h.Cache.Find(ctx, "test.listings", "42")
		require.True(t, ok)
		assert.Equal(t, got.Attributes["price"], cached.Attributes["price"])
		assert.Equal(t, 3, h.Remote.Calls(testutil.OpSet))
	})

	t.Run("both tiers failing is reported", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Fail(testutil.OpSet, propsync.ErrUnavailable)
		h.KV.FailSets(propsync.ErrQuotaExceeded)

		_, err := h.Sync.Save(ctx, testutil.NewEntity("a", model.Available, 1, 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, propsync.ErrBothTiersFailed)
		assert.ErrorIs(t, err, propsync.ErrQuotaExceeded)
		assert.ErrorIs(t, err, propsync.ErrUnavailable)

		var tierErr *propsync.TierError
		require.ErrorAs(t, err, &tierErr)
		assert.Equal(t, "save", tierErr.Op)
	})
}

func TestCacheRoundTrip_PreservesMilliseconds(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, defaultsKind(), testutil.WithTestSealer())
	h.Remote.Fail(testutil.OpSet, propsync.ErrUnavailable)

	created := time.Date(2024, 5, 6, 7, 8, 9, 123_456_789, time.FixedZone("CEST", 2*3600))
	in := testutil.NewEntity("ts", model.Available, 1, 0)
	in.CreatedAt = created

	saved, err := h.Sync.Save(ctx, in)
	require.NoError(t, err)

	cached, ok := h.Cache.Find(ctx, "test.listings", "ts")
	require.True(t, ok)
	assert.True(t, cached.CreatedAt.Equal(created.Truncate(time.Millisecond)), "CreatedAt = %v", cached.CreatedAt)
	assert.True(t, cached.UpdatedAt.Equal(saved.UpdatedAt), "UpdatedAt = %v, want %v", cached.UpdatedAt, saved.UpdatedAt)

	raw, err := h.KV.Get(ctx, "test.listings")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("PSENC")), "cache value should be sealed")
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("merges remotely and returns canonical entity", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 100, 1))
		h.Clock.Advance(time.Hour)

		got, err := h.Sync.Update(ctx, "a", propsync.Patch{"availability": "sold", "attributes.price": 150.0})
		require.NoError(t, err)
		assert.Equal(t, model.Sold, got.Availability)
		assert.Equal(t, 150.0, got.Attr("price"))
		assert.Equal(t, "Listing a", got.Attr("title"))
		assert.True(t, got.UpdatedAt.Equal(h.Clock.Now()), "UpdatedAt = %v", got.UpdatedAt)

		cached, ok := h.Cache.Find(ctx, "test.listings", "a")
		require.True(t, ok)
		assert.Equal(t, model.Sold, cached.Availability)
	})

	t.Run("remote failure merges into cache", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		require.NoError(t, h.Cache.WriteAll(ctx, "test.listings", []model.Entity{
			testutil.NewEntity("a", model.Available, 100, 1),
		}))
		h.Remote.Fail(testutil.OpUpdate, propsync.ErrUnavailable)

		got, err := h.Sync.Update(ctx, "a", propsync.Patch{"availability": "maintenance"})
		require.NoError(t, err)
		assert.Equal(t, model.Maintenance, got.Availability)
		assert.Equal(t, 100.0, got.Attr("price"))

		pending, err := h.Outbox.Pending(ctx, "test.listings")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, propsync.OpUpdate, pending[0].Op)
	})

	t.Run("unknown everywhere is not found", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		_, err := h.Sync.Update(ctx, "ghost", propsync.Patch{"availability": "sold"})
		assert.ErrorIs(t, err, propsync.ErrNotFound)
		assert.NotErrorIs(t, err, propsync.ErrBothTiersFailed)
		assert.Equal(t, 1, h.Remote.Calls(testutil.OpUpdate), "not found must not be retried")
	})

	t.Run("invalid paths are rejected up front", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		for _, patch := range []propsync.Patch{
			{"createdAt": "2024-01-01T00:00:00Z"},
			{"owner": "someone"},
			{"availability": "demolished"},
		} {
			_, err := h.Sync.Update(ctx, "a", patch)
			assert.ErrorIs(t, err, propsync.ErrValidation, "patch %v", patch)
		}
		assert.Zero(t, h.Remote.Calls(testutil.OpUpdate))

		_, err := h.Sync.Update(ctx, "", propsync.Patch{"availability": "sold"})
		assert.ErrorIs(t, err, propsync.ErrValidation)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes from both tiers", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 1, 1))
		h.Sync.FetchAll(ctx)

		require.NoError(t, h.Sync.Delete(ctx, "a"))
		_, found, _ := h.Remote.Get(ctx, "listings", "a")
		assert.False(t, found)
		_, ok := h.Cache.Find(ctx, "test.listings", "a")
		assert.False(t, ok)
	})

	t.Run("remote failure deletes from cache only", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 1, 1))
		h.Sync.FetchAll(ctx)
		h.Remote.Fail(testutil.OpDelete, propsync.ErrUnavailable)

		require.NoError(t, h.Sync.Delete(ctx, "a"))
		_, found, _ := h.Remote.MemoryStore.Get(ctx, "listings", "a")
		assert.True(t, found, "remote copy survives until replay")
		_, ok := h.Cache.Find(ctx, "test.listings", "a")
		assert.False(t, ok)

		n, err := h.Outbox.Len(ctx, "test.listings")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("both tiers failing is reported", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		require.NoError(t, h.Cache.WriteAll(ctx, "test.listings", []model.Entity{
			testutil.NewEntity("a", model.Available, 1, 1),
		}))
		h.Remote.Fail(testutil.OpDelete, propsync.ErrUnavailable)
		h.KV.FailSets(errors.New("disk full"))

		err := h.Sync.Delete(ctx, "a")
		assert.ErrorIs(t, err, propsync.ErrBothTiersFailed)
	})
}

func TestUpdate_UnreadableResult(t *testing.T) {
	ctx := context.Background()

	t.Run("patches the bundled copy", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("d1", model.Available, 500, 1))
		h.Remote.Fail(testutil.OpGet, propsync.ErrUnavailable)

		got, err := h.Sync.Update(ctx, "d1", propsync.Patch{"attributes.price": 650})
		require.NoError(t, err)
		assert.Equal(t, "d1", got.ID)
		assert.Equal(t, model.Available, got.Availability)
		assert.EqualValues(t, 650, got.Attr("price"))
		assert.True(t, got.UpdatedAt.Equal(h.Clock.Now().UTC().Truncate(time.Millisecond)))
	})

	t.Run("without any local copy the write is unconfirmed", func(t *testing.T) {
		h := testutil.NewHarness(t, defaultsKind())
		h.Remote.Seed(t, "listings", testutil.NewEntity("r1", model.Available, 100, 1))
		h.Remote.Fail(testutil.OpGet, propsync.ErrUnavailable)

		_, err := h.Sync.Update(ctx, "r1", propsync.Patch{"attributes.price": 150})
		assert.ErrorIs(t, err, propsync.ErrUnconfirmed)

		h.Remote.Heal()
		doc, found, gerr := h.Remote.Get(ctx, "listings", "r1")
		require.NoError(t, gerr)
		require.True(t, found)
		assert.EqualValues(t, 150, doc.Attributes["price"])
	})
}
