package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/l0p7/tourvista/internal/entitycache"
	"github.com/l0p7/tourvista/internal/model"
)

// ErrDeleteFailed wraps remote delete failures. The cache is untouched when
// it is returned.
var ErrDeleteFailed = errors.New("deletion: remote delete failed")

// Remote removes stored entities. Deleting an absent entity succeeds.
type Remote interface {
	DeleteDiscovery(ctx context.Context, owner, id string) error
	DeleteItinerary(ctx context.Context, owner, id string) error
	DeletePostcard(ctx context.Context, owner, id string) error
}

// Coordinator deletes remotely first and only then brings the owner's cache
// in line.
type Coordinator struct {
	remote Remote
	logger *slog.Logger
}

func NewCoordinator(remote Remote, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{remote: remote, logger: logger.With(slog.String("agent", "deletion"))}
}

// DeleteDiscovery removes the discovery from the store, from a cached
// discovery list if one exists, and from the single-entry cache. Cached
// conversation ids, timelines and nearby places keyed by it are left as
// orphans.
func (c *Coordinator) DeleteDiscovery(ctx context.Context, cache *entitycache.Cache, owner, id string) error {
	if err := c.remote.DeleteDiscovery(ctx, owner, id); err != nil {
		return c.failed("discovery", owner, id, err)
	}
	if list, ok := cache.DiscoveryList(); ok {
		kept := make([]model.Discovery, 0, len(list))
		for _, d := range list {
			if d.ID != id {
				kept = append(kept, d)
			}
		}
		cache.CacheDiscoveryList(kept)
	}
	cache.RemoveDiscovery(id)
	return nil
}

func (c *Coordinator) DeleteItinerary(ctx context.Context, cache *entitycache.Cache, owner, id string) error {
	if err := c.remote.DeleteItinerary(ctx, owner, id); err != nil {
		return c.failed("itinerary", owner, id, err)
	}
	cache.ClearItineraryCache()
	return nil
}

func (c *Coordinator) DeletePostcard(ctx context.Context, cache *entitycache.Cache, owner, id string) error {
	if err := c.remote.DeletePostcard(ctx, owner, id); err != nil {
		return c.failed("postcard", owner, id, err)
	}
	cache.ClearPostcardCache()
	return nil
}

func (c *Coordinator) failed(entity, owner, id string, err error) error {
	c.logger.Error("delete failed",
		slog.String("entity", entity),
		slog.String("owner", owner),
		slog.String("id", id),
		slog.Any("error", err),
	)
	return fmt.Errorf("%w: %s %s: %w", ErrDeleteFailed, entity, id, err)
}
