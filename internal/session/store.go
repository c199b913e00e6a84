package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/tourvista/internal/metrics"
)

const defaultOpTimeout = 2 * time.Second

// Store persists cache categories for one session under a key prefix.
// Storage failures are logged and counted but never returned: callers keep
// their in-memory copy as the source of truth.
type Store struct {
	backend   Backend
	prefix    string
	logger    *slog.Logger
	metrics   *metrics.Recorder
	opTimeout time.Duration

	// known holds the keys of this session seen in storage, so their
	// lifetimes can be renewed together.
	mu    sync.Mutex
	known map[string]struct{}
}

// NewStore binds a backend to the given namespace. Keys are stored as
// "<namespace>:<key>".
func NewStore(backend Backend, namespace string, logger *slog.Logger, rec *metrics.Recorder) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		prefix:    strings.TrimSuffix(namespace, ":") + ":",
		logger:    logger.With(slog.String("agent", "session"), slog.String("namespace", namespace)),
		metrics:   rec,
		opTimeout: defaultOpTimeout,
		known:     make(map[string]struct{}),
	}
}

// Namespace reports the key prefix without the trailing separator.
func (s *Store) Namespace() string {
	return strings.TrimSuffix(s.prefix, ":")
}

// Load decodes the value stored under key. Absent, unreadable or undecodable
// entries all report ok=false.
func Load[T any](s *Store, key string) (T, bool) {
	var zero T
	if s == nil || s.backend == nil {
		return zero, false
	}
	ctx, cancel := s.context()
	defer cancel()
	raw, ok, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		s.fail("load", key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	s.track(key)
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Debug("session entry undecodable", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	return out, true
}

// Save encodes value and writes it under key. On failure the previously
// stored value is left in place.
func (s *Store) Save(key string, value any) {
	if s == nil || s.backend == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		s.fail("encode", key, err)
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.backend.Set(ctx, s.prefix+key, string(payload)); err != nil {
		s.fail("save", key, err)
		return
	}
	s.track(key)
	s.renew(ctx, key)
}

// Touch renews the lifetime of every key the session has seen, so a reload
// followed by reads alone still keeps all categories alive together.
func (s *Store) Touch() {
	if s == nil || s.backend == nil {
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	s.renew(ctx, "")
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) {
	if s == nil || s.backend == nil {
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.backend.Delete(ctx, s.prefix+key); err != nil {
		s.fail("remove", key, err)
		return
	}
	s.mu.Lock()
	delete(s.known, key)
	s.mu.Unlock()
}

// Clear deletes every key of the session.
func (s *Store) Clear() {
	if s == nil || s.backend == nil {
		return
	}
	ctx, cancel := s.context()
	defer cancel()
	if err := s.backend.DeletePrefix(ctx, s.prefix); err != nil {
		s.fail("clear", "*", err)
		return
	}
	s.mu.Lock()
	s.known = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *Store) track(key string) {
	s.mu.Lock()
	s.known[key] = struct{}{}
	s.mu.Unlock()
}

// renew restarts the lifetime of every known key except skip, which the
// caller has just written.
func (s *Store) renew(ctx context.Context, skip string) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.known))
	for key := range s.known {
		if key != skip {
			keys = append(keys, s.prefix+key)
		}
	}
	s.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	if err := s.backend.Expire(ctx, keys...); err != nil {
		s.fail("expire", strings.Join(keys, ","), err)
	}
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *Store) fail(operation, key string, err error) {
	s.logger.Warn("session storage unavailable",
		slog.String("operation", operation),
		slog.String("key", key),
		slog.Any("error", err),
	)
	s.metrics.ObserveSessionFailure(operation)
}
