package entitycache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/l0p7/tourvista/internal/metrics"
	"github.com/l0p7/tourvista/internal/model"
	"github.com/l0p7/tourvista/internal/session"
)

// Session storage keys, one per entity category.
const (
	keyDiscoveries   = "discovery_cache"
	keyDiscoveryList = "discovery_list_cache"
	keyItineraries   = "itinerary_cache"
	keyConversations = "conversation_cache"
	keyTimelines     = "timeline_cache"
	keyNearbyPlaces  = "nearby_places_cache"
	keyPostcards     = "postcard_cache"
)

// Cache holds one owner's entity caches in memory and writes every mutation
// through to session storage. Lookups never contact the remote store; an
// absent entry (ok=false) is distinct from an empty collection.
type Cache struct {
	mu      sync.Mutex
	store   *session.Store
	metrics *metrics.Recorder

	discoveries      map[string]model.CachedDiscovery
	discoveryList    []model.Discovery
	hasDiscoveryList bool
	itineraries      []model.Itinerary
	hasItineraries   bool
	conversations    map[string]string
	timelines        map[string]string
	nearby           map[string][]model.NearbyPlace
	postcards        []model.Postcard
	hasPostcards     bool
}

// New seeds every category from store with a single load each.
func New(store *session.Store, rec *metrics.Recorder) *Cache {
	c := &Cache{
		store:         store,
		metrics:       rec,
		discoveries:   map[string]model.CachedDiscovery{},
		conversations: map[string]string{},
		timelines:     map[string]string{},
		nearby:        map[string][]model.NearbyPlace{},
	}
	if v, ok := session.Load[map[string]model.CachedDiscovery](store, keyDiscoveries); ok && v != nil {
		c.discoveries = v
	}
	if v, ok := session.Load[[]model.Discovery](store, keyDiscoveryList); ok {
		c.discoveryList, c.hasDiscoveryList = nonNil(v), true
	}
	if v, ok := session.Load[[]model.Itinerary](store, keyItineraries); ok {
		c.itineraries, c.hasItineraries = nonNil(v), true
	}
	if v, ok := session.Load[map[string]string](store, keyConversations); ok && v != nil {
		c.conversations = v
	}
	if v, ok := session.Load[map[string]string](store, keyTimelines); ok && v != nil {
		c.timelines = v
	}
	if v, ok := session.Load[map[string][]model.NearbyPlace](store, keyNearbyPlaces); ok && v != nil {
		c.nearby = v
	}
	if v, ok := session.Load[[]model.Postcard](store, keyPostcards); ok {
		c.postcards, c.hasPostcards = nonNil(v), true
	}
	store.Touch()
	return c
}

// NearbyKey builds the composite nearby-places key: the lowercased landmark
// name and its coordinates rounded to five decimals.
func NearbyKey(name string, lat, lng float64) string {
	return fmt.Sprintf("%s@%.5f,%.5f", strings.ToLower(strings.TrimSpace(name)), lat, lng)
}

func (c *Cache) CacheDiscovery(id string, value model.CachedDiscovery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveries[id] = cloneCachedDiscovery(value)
	c.store.Save(keyDiscoveries, c.discoveries)
}

func (c *Cache) Discovery(id string) (model.CachedDiscovery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.discoveries[id]
	c.observe("discovery", ok)
	if !ok {
		return model.CachedDiscovery{}, false
	}
	return cloneCachedDiscovery(value), true
}

func (c *Cache) RemoveDiscovery(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.discoveries[id]; !ok {
		return
	}
	delete(c.discoveries, id)
	c.store.Save(keyDiscoveries, c.discoveries)
}

// CacheDiscoveryList replaces the list wholesale. The list must be complete.
func (c *Cache) CacheDiscoveryList(list []model.Discovery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveryList = cloneDiscoveries(list)
	c.hasDiscoveryList = true
	c.store.Save(keyDiscoveryList, c.discoveryList)
}

func (c *Cache) DiscoveryList() ([]model.Discovery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe("discovery_list", c.hasDiscoveryList)
	if !c.hasDiscoveryList {
		return nil, false
	}
	return cloneDiscoveries(c.discoveryList), true
}

func (c *Cache) InvalidateDiscoveryList() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveryList, c.hasDiscoveryList = nil, false
	c.store.Remove(keyDiscoveryList)
}

// CacheItineraries stores the owner's full itinerary list.
func (c *Cache) CacheItineraries(list []model.Itinerary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itineraries = append(make([]model.Itinerary, 0, len(list)), list...)
	c.hasItineraries = true
	c.store.Save(keyItineraries, c.itineraries)
}

func (c *Cache) CachedItineraries() ([]model.Itinerary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe("itineraries", c.hasItineraries)
	if !c.hasItineraries {
		return nil, false
	}
	return append(make([]model.Itinerary, 0, len(c.itineraries)), c.itineraries...), true
}

func (c *Cache) ClearItineraryCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itineraries, c.hasItineraries = nil, false
	c.store.Remove(keyItineraries)
}

func (c *Cache) CacheConversationID(discoveryID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conversations[discoveryID] == conversationID {
		return
	}
	c.conversations[discoveryID] = conversationID
	c.store.Save(keyConversations, c.conversations)
}

func (c *Cache) ConversationID(discoveryID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.conversations[discoveryID]
	c.observe("conversation", ok)
	return id, ok
}

// CacheTimeline stores text for discoveryID unless a timeline is already
// cached; the first write wins.
func (c *Cache) CacheTimeline(discoveryID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timelines[discoveryID]; ok {
		return
	}
	c.timelines[discoveryID] = text
	c.store.Save(keyTimelines, c.timelines)
}

func (c *Cache) Timeline(discoveryID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.timelines[discoveryID]
	c.observe("timeline", ok)
	return text, ok
}

// CacheNearbyPlaces stores places under key unless already cached.
func (c *Cache) CacheNearbyPlaces(key string, places []model.NearbyPlace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nearby[key]; ok {
		return
	}
	c.nearby[key] = append(make([]model.NearbyPlace, 0, len(places)), places...)
	c.store.Save(keyNearbyPlaces, c.nearby)
}

func (c *Cache) NearbyPlaces(key string) ([]model.NearbyPlace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	places, ok := c.nearby[key]
	c.observe("nearby_places", ok)
	if !ok {
		return nil, false
	}
	return append(make([]model.NearbyPlace, 0, len(places)), places...), true
}

func (c *Cache) CachePostcards(list []model.Postcard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postcards = append(make([]model.Postcard, 0, len(list)), list...)
	c.hasPostcards = true
	c.store.Save(keyPostcards, c.postcards)
}

func (c *Cache) CachedPostcards() ([]model.Postcard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe("postcards", c.hasPostcards)
	if !c.hasPostcards {
		return nil, false
	}
	return append(make([]model.Postcard, 0, len(c.postcards)), c.postcards...), true
}

func (c *Cache) ClearPostcardCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postcards, c.hasPostcards = nil, false
	c.store.Remove(keyPostcards)
}

// detach empties every category and stops write-through so a handler still
// holding the cache after session end cannot repopulate storage.
func (c *Cache) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = nil
	c.discoveries = map[string]model.CachedDiscovery{}
	c.discoveryList, c.hasDiscoveryList = nil, false
	c.itineraries, c.hasItineraries = nil, false
	c.conversations = map[string]string{}
	c.timelines = map[string]string{}
	c.nearby = map[string][]model.NearbyPlace{}
	c.postcards, c.hasPostcards = nil, false
}

func (c *Cache) observe(entity string, hit bool) {
	result := metrics.CacheLookupMiss
	if hit {
		result = metrics.CacheLookupHit
	}
	c.metrics.ObserveCacheLookup(entity, result)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func cloneLandmark(in model.LandmarkInfo) model.LandmarkInfo {
	out := in
	if in.Sources != nil {
		out.Sources = make([]model.GroundingChunk, len(in.Sources))
		for i, src := range in.Sources {
			out.Sources[i] = model.GroundingChunk{Web: cloneLink(src.Web), Maps: cloneLink(src.Maps)}
		}
	}
	return out
}

func cloneLink(in *model.SourceLink) *model.SourceLink {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

func cloneCachedDiscovery(in model.CachedDiscovery) model.CachedDiscovery {
	in.LandmarkInfo = cloneLandmark(in.LandmarkInfo)
	return in
}

func cloneDiscoveries(in []model.Discovery) []model.Discovery {
	out := make([]model.Discovery, len(in))
	for i, d := range in {
		d.LandmarkInfo = cloneLandmark(d.LandmarkInfo)
		d.Languages = append([]model.Language(nil), d.Languages...)
		out[i] = d
	}
	return out
}
