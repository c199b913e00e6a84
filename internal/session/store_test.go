package session

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/l0p7/tourvista/internal/metrics"
	"github.com/stretchr/testify/require"
)

type cachedThing struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

type failingBackend struct {
	Backend
	failSet bool
}

func (b *failingBackend) Set(ctx context.Context, key, value string) error {
	if b.failSet {
		return errors.New("quota exceeded")
	}
	return b.Backend.Set(ctx, key, value)
}

func TestStoreSaveLoadRemove(t *testing.T) {
	store := NewStore(NewMemory(), "tourvista:session:v1:owner-1", nil, nil)

	_, ok := Load[cachedThing](store, "discovery_cache")
	require.False(t, ok)

	store.Save("discovery_cache", cachedThing{Name: "Eiffel Tower", Items: []string{"a"}})
	got, ok := Load[cachedThing](store, "discovery_cache")
	require.True(t, ok)
	require.Equal(t, "Eiffel Tower", got.Name)
	require.Equal(t, []string{"a"}, got.Items)

	store.Remove("discovery_cache")
	store.Remove("discovery_cache")
	_, ok = Load[cachedThing](store, "discovery_cache")
	require.False(t, ok)
}

func TestStoreLoadUndecodableIsAbsent(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Set(context.Background(), "ns:itinerary_cache", "{not json"))
	store := NewStore(backend, "ns", nil, nil)

	_, ok := Load[[]cachedThing](store, "itinerary_cache")
	require.False(t, ok)
}

func TestStoreSaveFailureKeepsPriorValueAndCounts(t *testing.T) {
	backend := &failingBackend{Backend: NewMemory()}
	rec := metrics.NewRecorder(nil)
	store := NewStore(backend, "ns", nil, rec)

	store.Save("timeline_cache", map[string]string{"d1": "first"})
	backend.failSet = true
	store.Save("timeline_cache", map[string]string{"d1": "second"})

	got, ok := Load[map[string]string](store, "timeline_cache")
	require.True(t, ok)
	require.Equal(t, "first", got["d1"])

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	var failures float64
	for _, mf := range families {
		if mf.GetName() != "tourvista_session_storage_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			failures += m.GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(1), failures)
}

func TestStoreClearOnlyTouchesNamespace(t *testing.T) {
	backend := NewMemory()
	alice := NewStore(backend, "ns:alice", nil, nil)
	bob := NewStore(backend, "ns:bob", nil, nil)

	alice.Save("discovery_cache", cachedThing{Name: "a"})
	alice.Save("postcard_cache", []cachedThing{})
	bob.Save("discovery_cache", cachedThing{Name: "b"})

	alice.Clear()

	_, ok := Load[cachedThing](alice, "discovery_cache")
	require.False(t, ok)
	_, ok = Load[[]cachedThing](alice, "postcard_cache")
	require.False(t, ok)
	got, ok := Load[cachedThing](bob, "discovery_cache")
	require.True(t, ok)
	require.Equal(t, "b", got.Name)
}

func TestNilStoreIsInert(t *testing.T) {
	var store *Store
	store.Save("k", 1)
	store.Remove("k")
	store.Clear()
	_, ok := Load[int](store, "k")
	require.False(t, ok)
}

func TestClosedMemoryBackendFailsSoftly(t *testing.T) {
	backend := NewMemory()
	store := NewStore(backend, "ns", nil, nil)
	require.NoError(t, backend.Close(context.Background()))

	store.Save("k", 1)
	_, ok := Load[int](store, "k")
	require.False(t, ok)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	backend, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer backend.Close(context.Background())

	store := NewStore(backend, "tourvista:session:v1:owner-1", nil, nil)
	store.Save("conversation_cache", map[string]string{"d1": "c1"})

	got, ok := Load[map[string]string](store, "conversation_cache")
	require.True(t, ok)
	require.Equal(t, "c1", got["d1"])
	require.True(t, server.Exists("tourvista:session:v1:owner-1:conversation_cache"))

	store.Remove("conversation_cache")
	require.False(t, server.Exists("tourvista:session:v1:owner-1:conversation_cache"))
}

func TestRedisBackendAppliesTTL(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	backend, err := NewRedis(RedisConfig{Address: server.Addr(), TTL: time.Hour})
	require.NoError(t, err)
	defer backend.Close(context.Background())

	require.NoError(t, backend.Set(context.Background(), "ns:k", "1"))
	require.Equal(t, time.Hour, server.TTL("ns:k"))
}

func TestSessionKeysExpireTogether(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	backend, err := NewRedis(RedisConfig{Address: server.Addr(), TTL: time.Second})
	require.NoError(t, err)
	defer backend.Close(context.Background())

	store := NewStore(backend, "ns:alice", nil, nil)
	store.Save("discovery_cache", map[string]string{"d1": "x"})
	server.FastForward(600 * time.Millisecond)
	store.Save("timeline_cache", map[string]string{"d1": "1889"})

	require.Equal(t, time.Second, server.TTL("ns:alice:discovery_cache"))
	server.FastForward(600 * time.Millisecond)
	require.True(t, server.Exists("ns:alice:discovery_cache"))
	require.True(t, server.Exists("ns:alice:timeline_cache"))

	// A reload that only reads renews every key it found.
	server.FastForward(300 * time.Millisecond)
	reloaded := NewStore(backend, "ns:alice", nil, nil)
	_, ok := Load[map[string]string](reloaded, "discovery_cache")
	require.True(t, ok)
	_, ok = Load[map[string]string](reloaded, "timeline_cache")
	require.True(t, ok)
	reloaded.Touch()
	require.Equal(t, time.Second, server.TTL("ns:alice:discovery_cache"))
	require.Equal(t, time.Second, server.TTL("ns:alice:timeline_cache"))

	reloaded.Remove("timeline_cache")
	reloaded.Save("postcard_cache", []string{})
	require.False(t, server.Exists("ns:alice:timeline_cache"))
}

func TestRedisBackendDeletePrefix(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	backend, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer backend.Close(context.Background())

	ctx := context.Background()
	for i := 0; i < 250; i++ {
		require.NoError(t, backend.Set(ctx, "ns:alice:key"+string(rune('a'+i%26))+string(rune('0'+i/26)), "v"))
	}
	require.NoError(t, backend.Set(ctx, "ns:bob:key", "v"))

	require.NoError(t, backend.DeletePrefix(ctx, "ns:alice:"))

	require.Equal(t, []string{"ns:bob:key"}, server.Keys())
}

func TestRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}
