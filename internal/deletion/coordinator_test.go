package deletion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/tourvista/internal/catalog"
	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/entitycache"
	"github.com/l0p7/tourvista/internal/model"
	"github.com/l0p7/tourvista/internal/session"
)

type failingRemote struct {
	err   error
	calls int
}

func (f *failingRemote) DeleteDiscovery(context.Context, string, string) error {
	f.calls++
	return f.err
}

func (f *failingRemote) DeleteItinerary(context.Context, string, string) error {
	f.calls++
	return f.err
}

func (f *failingRemote) DeletePostcard(context.Context, string, string) error {
	f.calls++
	return f.err
}

func newCache() *entitycache.Cache {
	return entitycache.New(session.NewStore(session.NewMemory(), "ns:alice", nil, nil), nil)
}

func newRepository(t *testing.T) *catalog.Repository {
	t.Helper()
	store, err := docstore.Open(filepath.Join(t.TempDir(), "docs.db"), docstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return catalog.NewRepository(store)
}

func TestDeleteDiscoveryFiltersCachedList(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	cache := newCache()

	keep, err := repo.CreateDiscovery(ctx, "alice", model.Discovery{LandmarkInfo: model.LandmarkInfo{Name: "Louvre"}})
	require.NoError(t, err)
	drop, err := repo.CreateDiscovery(ctx, "alice", model.Discovery{LandmarkInfo: model.LandmarkInfo{Name: "Eiffel Tower"}})
	require.NoError(t, err)

	cache.CacheDiscoveryList([]model.Discovery{drop, keep})
	cache.CacheDiscovery(drop.ID, drop.Cached())
	cache.CacheConversationID(drop.ID, "conv-1")
	cache.CacheTimeline(drop.ID, "1889")

	require.NoError(t, NewCoordinator(repo, nil).DeleteDiscovery(ctx, cache, "alice", drop.ID))

	list, ok := cache.DiscoveryList()
	require.True(t, ok)
	require.Len(t, list, 1)
	require.Equal(t, keep.ID, list[0].ID)

	_, ok = cache.Discovery(drop.ID)
	require.False(t, ok)

	// Dependent entries are intentionally left behind.
	convID, ok := cache.ConversationID(drop.ID)
	require.True(t, ok)
	require.Equal(t, "conv-1", convID)
	_, ok = cache.Timeline(drop.ID)
	require.True(t, ok)

	_, err = repo.GetDiscovery(ctx, "alice", drop.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDeleteDiscoveryWithoutCachedList(t *testing.T) {
	ctx := context.Background()
	cache := newCache()
	cache.CacheDiscovery("d1", model.CachedDiscovery{ImageURL: "https://img/1"})

	require.NoError(t, NewCoordinator(&failingRemote{}, nil).DeleteDiscovery(ctx, cache, "alice", "d1"))

	_, ok := cache.DiscoveryList()
	require.False(t, ok, "a list must not be fabricated")
	_, ok = cache.Discovery("d1")
	require.False(t, ok)
}

func TestDeleteFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	remote := &failingRemote{err: errors.New("permission denied")}
	coordinator := NewCoordinator(remote, nil)

	cache := newCache()
	cache.CacheDiscoveryList([]model.Discovery{{ID: "d1"}})
	cache.CacheDiscovery("d1", model.CachedDiscovery{ImageURL: "https://img/1"})
	cache.CacheItineraries([]model.Itinerary{{ID: "i1"}})
	cache.CachePostcards([]model.Postcard{{ID: "p1"}})

	err := coordinator.DeleteDiscovery(ctx, cache, "alice", "d1")
	require.ErrorIs(t, err, ErrDeleteFailed)
	require.ErrorIs(t, err, remote.err)
	require.ErrorIs(t, coordinator.DeleteItinerary(ctx, cache, "alice", "i1"), ErrDeleteFailed)
	require.ErrorIs(t, coordinator.DeletePostcard(ctx, cache, "alice", "p1"), ErrDeleteFailed)
	require.Equal(t, 3, remote.calls)

	list, ok := cache.DiscoveryList()
	require.True(t, ok)
	require.Len(t, list, 1)
	_, ok = cache.Discovery("d1")
	require.True(t, ok)
	itineraries, ok := cache.CachedItineraries()
	require.True(t, ok)
	require.Len(t, itineraries, 1)
	postcards, ok := cache.CachedPostcards()
	require.True(t, ok)
	require.Len(t, postcards, 1)
}

func TestDeleteItineraryAndPostcardClearCaches(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	coordinator := NewCoordinator(repo, nil)
	cache := newCache()

	it, err := repo.CreateItinerary(ctx, "alice", model.Itinerary{DiscoveryID: "d1", Duration: "1 day"})
	require.NoError(t, err)
	pc, err := repo.CreatePostcard(ctx, "alice", model.Postcard{DiscoveryID: "d1", ImageURL: "https://img/p"})
	require.NoError(t, err)
	cache.CacheItineraries([]model.Itinerary{it})
	cache.CachePostcards([]model.Postcard{pc})

	require.NoError(t, coordinator.DeleteItinerary(ctx, cache, "alice", it.ID))
	_, ok := cache.CachedItineraries()
	require.False(t, ok)

	require.NoError(t, coordinator.DeletePostcard(ctx, cache, "alice", pc.ID))
	_, ok = cache.CachedPostcards()
	require.False(t, ok)

	// Deleting again is not an error.
	require.NoError(t, coordinator.DeletePostcard(ctx, cache, "alice", pc.ID))
}
