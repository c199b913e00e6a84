package entitycache

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/l0p7/tourvista/internal/metrics"
	"github.com/l0p7/tourvista/internal/session"
)

// Registry hands out one Cache per owner, each backed by a session store
// namespaced under "<namespace>:<owner>".
type Registry struct {
	backend   session.Backend
	namespace string
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu     sync.Mutex
	caches map[string]*Cache
}

func NewRegistry(backend session.Backend, namespace string, logger *slog.Logger, rec *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:   backend,
		namespace: strings.TrimSuffix(namespace, ":"),
		logger:    logger.With(slog.String("agent", "entitycache")),
		metrics:   rec,
		caches:    make(map[string]*Cache),
	}
}

// For returns the owner's cache, loading it from session storage on first use.
func (r *Registry) For(owner string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[owner]; ok {
		return c
	}
	c := New(r.storeFor(owner), r.metrics)
	r.caches[owner] = c
	r.logger.Debug("session cache loaded", slog.String("owner", owner))
	return c
}

// End discards the owner's in-memory cache and deletes its session storage.
func (r *Registry) End(owner string) {
	r.mu.Lock()
	c, ok := r.caches[owner]
	delete(r.caches, owner)
	r.mu.Unlock()
	if ok {
		c.detach()
	}
	r.storeFor(owner).Clear()
	r.logger.Info("session ended", slog.String("owner", owner))
}

func (r *Registry) storeFor(owner string) *session.Store {
	return session.NewStore(r.backend, r.namespace+":"+owner, r.logger, r.metrics)
}
