package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "docs.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateGetUpdateDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "users/alice/discoveries", map[string]any{
		"landmarkInfo": map[string]any{"name": "Eiffel Tower"},
		"languages":    []any{"en"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "users/alice/discoveries/"+created.ID, created.Path)
	require.False(t, created.CreatedAt.IsZero())

	got, err := store.Get(ctx, created.Path)
	require.NoError(t, err)
	require.Equal(t, created.Data, got.Data)
	require.Equal(t, created.CreatedAt, got.CreatedAt)

	updated, err := store.Update(ctx, created.Path, map[string]any{"timeline": "1889: opened"})
	require.NoError(t, err)
	require.Equal(t, "1889: opened", updated.Data["timeline"])
	require.Contains(t, updated.Data, "landmarkInfo")

	require.NoError(t, store.Delete(ctx, created.Path))
	require.NoError(t, store.Delete(ctx, created.Path))

	_, err = store.Get(ctx, created.Path)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Update(ctx, created.Path, map[string]any{"x": 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersFiltersAndLimits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, discovery := range []string{"d1", "d2", "d1"} {
		doc, err := store.Create(ctx, "users/alice/itineraries", map[string]any{
			"discoveryId": discovery,
			"duration":    float64(i + 1),
		})
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}
	_, err := store.Create(ctx, "users/bob/itineraries", map[string]any{"discoveryId": "d1"})
	require.NoError(t, err)

	all, err := store.List(ctx, "users/alice/itineraries", Query{Descending: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	filtered, err := store.List(ctx, "users/alice/itineraries", Query{
		Filter: `doc.discoveryId == params.discoveryId`,
		Params: map[string]any{"discoveryId": "d1"},
	})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	require.Equal(t, ids[0], filtered[0].ID)

	limited, err := store.List(ctx, "users/alice/itineraries", Query{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, ids[2], limited[0].ID)

	empty, err := store.List(ctx, "users/carol/itineraries", Query{})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	_, err = store.List(ctx, "users/alice/itineraries", Query{OrderBy: "name"})
	require.Error(t, err)
	_, err = store.List(ctx, "users/alice/itineraries", Query{Filter: `doc.`})
	require.Error(t, err)
}

func TestMutateIsAtomicUnderConcurrency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "users/alice/conversations", map[string]any{"history": []any{}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, doc.Path, func(data map[string]any) (map[string]any, error) {
				history, _ := data["history"].([]any)
				data["history"] = append(history, "turn")
				return data, nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, doc.Path)
	require.NoError(t, err)
	require.Len(t, got.Data["history"], 20)
}

func TestMutateErrorLeavesDocumentUntouched(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "users/alice/postcards", map[string]any{"stylePrompt": "watercolor"})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Mutate(ctx, doc.Path, func(data map[string]any) (map[string]any, error) {
		data["stylePrompt"] = "changed"
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, doc.Path)
	require.NoError(t, err)
	require.Equal(t, "watercolor", got.Data["stylePrompt"])
}

func TestInvalidPaths(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "users/alice", map[string]any{})
	require.ErrorIs(t, err, ErrInvalidPath)
	_, err = store.Get(ctx, "users/alice/discoveries")
	require.ErrorIs(t, err, ErrInvalidPath)
	_, err = store.List(ctx, "users//discoveries", Query{})
	require.ErrorIs(t, err, ErrInvalidPath)
	require.ErrorIs(t, store.Delete(ctx, ""), ErrInvalidPath)
}

func TestSubscribeDeliversCurrentStateThenChangesInOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "users/alice/conversations", map[string]any{"n": float64(0)})
	require.NoError(t, err)

	snaps := make(chan Snapshot, 16)
	sub, err := store.Subscribe(ctx, doc.Path, func(s Snapshot) { snaps <- s })
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		_, err := store.Update(ctx, doc.Path, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, store.Delete(ctx, doc.Path))

	for want := 0; want <= 3; want++ {
		snap := receive(t, snaps)
		require.True(t, snap.Exists)
		require.Equal(t, float64(want), snap.Doc.Data["n"])
	}
	final := receive(t, snaps)
	require.False(t, final.Exists)
	require.Equal(t, doc.ID, final.Doc.ID)
}

func TestSubscribeToMissingDocument(t *testing.T) {
	store := openTestStore(t)
	snaps := make(chan Snapshot, 4)
	sub, err := store.Subscribe(context.Background(), "users/alice/conversations/nope", func(s Snapshot) { snaps <- s })
	require.NoError(t, err)
	defer sub.Close()

	snap := receive(t, snaps)
	require.False(t, snap.Exists)
	require.Equal(t, "nope", snap.Doc.ID)
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "users/alice/conversations", map[string]any{})
	require.NoError(t, err)

	snaps := make(chan Snapshot, 16)
	sub, err := store.Subscribe(ctx, doc.Path, func(s Snapshot) { snaps <- s })
	require.NoError(t, err)
	receive(t, snaps)
	sub.Close()
	sub.Close()

	_, err = store.Update(ctx, doc.Path, map[string]any{"n": float64(1)})
	require.NoError(t, err)

	select {
	case snap := <-snaps:
		t.Fatalf("unexpected snapshot after close: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStoreCloseReportsErrorToSubscribers(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "nested", "docs.db"), Options{})
	require.NoError(t, err)
	ctx := context.Background()

	doc, err := store.Create(ctx, "users/alice/conversations", map[string]any{})
	require.NoError(t, err)
	snaps := make(chan Snapshot, 4)
	_, err = store.Subscribe(ctx, doc.Path, func(s Snapshot) { snaps <- s })
	require.NoError(t, err)
	receive(t, snaps)

	require.NoError(t, store.Close())
	snap := receive(t, snaps)
	require.ErrorIs(t, snap.Err, ErrClosed)

	_, err = store.Create(ctx, "users/alice/conversations", map[string]any{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", Options{})
	require.Error(t, err)
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestPing(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "docs.db"), Options{})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	require.ErrorIs(t, store.Ping(context.Background()), ErrClosed)
}
