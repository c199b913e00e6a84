package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/tourvista/internal/model"
)

func TestRepositoryListsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		ids = append(ids, f.seedDiscovery(t, name).ID)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := f.repo.ListDiscoveries(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestRepositoryFiltersItinerariesByDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, d := range []string{"d1", "d2", "d1"} {
		_, err := f.repo.CreateItinerary(ctx, owner, model.Itinerary{DiscoveryID: d, Duration: "1 day"})
		require.NoError(t, err)
	}

	scoped, err := f.repo.ListItineraries(ctx, owner, "d1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, it := range scoped {
		require.Equal(t, "d1", it.DiscoveryID)
	}

	all, err := f.repo.ListItineraries(ctx, owner, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestRepositoryScopesByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seedDiscovery(t, "Eiffel Tower")

	_, err := f.repo.GetDiscovery(ctx, "bob", d.ID)
	require.ErrorIs(t, err, ErrNotFound)

	list, err := f.repo.ListDiscoveries(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRepositoryDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.repo.CreatePostcard(ctx, owner, model.Postcard{DiscoveryID: "d1", ImageURL: "https://img/p"})
	require.NoError(t, err)

	require.NoError(t, f.repo.DeletePostcard(ctx, owner, p.ID))
	require.NoError(t, f.repo.DeletePostcard(ctx, owner, p.ID))

	list, err := f.repo.ListPostcards(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, list)
}
