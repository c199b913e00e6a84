package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/tourvista/internal/entitycache"
	"github.com/l0p7/tourvista/internal/generation"
	"github.com/l0p7/tourvista/internal/model"
)

var (
	// ErrNotFound reports a missing discovery, itinerary or postcard.
	ErrNotFound = errors.New("catalog: not found")
	// ErrRemoteFetch wraps document store failures.
	ErrRemoteFetch = errors.New("catalog: remote fetch failed")
	// ErrInvalid rejects malformed input.
	ErrInvalid = errors.New("catalog: invalid input")
	// ErrGeneration wraps generation backend failures and unusable output.
	ErrGeneration = errors.New("catalog: generation failed")
)

// NewDiscovery is the input of SaveDiscovery. When LandmarkInfo is nil the
// landmark is identified from Image (base64) or ImageURL.
type NewDiscovery struct {
	ImageURL     string              `json:"imageUrl"`
	Image        string              `json:"image,omitempty"`
	MimeType     string              `json:"mimeType,omitempty"`
	Language     string              `json:"language,omitempty"`
	LandmarkInfo *model.LandmarkInfo `json:"landmarkInfo,omitempty"`
	Languages    []model.Language    `json:"languages,omitempty"`
}

// NewItinerary is the input of SaveItinerary. An empty Content is generated.
type NewItinerary struct {
	DiscoveryID string `json:"discoveryId"`
	Duration    string `json:"duration"`
	Interests   string `json:"interests"`
	Content     string `json:"itineraryContent,omitempty"`
}

// NewPostcard is the input of SavePostcard. An empty ImageURL is generated
// from Image (base64) or OriginalImageURL.
type NewPostcard struct {
	DiscoveryID      string `json:"discoveryId"`
	StylePrompt      string `json:"stylePrompt"`
	OriginalImageURL string `json:"originalImageUrl"`
	Image            string `json:"image,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	ImageURL         string `json:"imageUrl,omitempty"`
}

// Service answers catalog reads from the owner's entity cache first and
// falls back to the document store, populating the cache on the way out.
type Service struct {
	repo      *Repository
	generator generation.Backend
	logger    *slog.Logger
}

func NewService(repo *Repository, generator generation.Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		generator: generator,
		logger:    logger.With(slog.String("agent", "catalog")),
	}
}

// Repository exposes the underlying store access, e.g. for deletions.
func (s *Service) Repository() *Repository {
	return s.repo
}

func (s *Service) Discovery(ctx context.Context, cache *entitycache.Cache, owner, id string) (model.CachedDiscovery, error) {
	if cached, ok := cache.Discovery(id); ok {
		return cached, nil
	}
	d, err := s.repo.GetDiscovery(ctx, owner, id)
	if err != nil {
		return model.CachedDiscovery{}, err
	}
	value := d.Cached()
	cache.CacheDiscovery(id, value)
	return value, nil
}

func (s *Service) Discoveries(ctx context.Context, cache *entitycache.Cache, owner string) ([]model.Discovery, error) {
	if list, ok := cache.DiscoveryList(); ok {
		return list, nil
	}
	list, err := s.repo.ListDiscoveries(ctx, owner)
	if err != nil {
		return nil, err
	}
	cache.CacheDiscoveryList(list)
	return list, nil
}

// SaveDiscovery stores a new discovery, caches its single entry and drops
// the cached list so the next read refetches it.
func (s *Service) SaveDiscovery(ctx context.Context, cache *entitycache.Cache, owner string, in NewDiscovery) (model.Discovery, error) {
	if strings.TrimSpace(in.ImageURL) == "" {
		return model.Discovery{}, fmt.Errorf("%w: imageUrl is required", ErrInvalid)
	}
	var info model.LandmarkInfo
	if in.LandmarkInfo != nil {
		info = *in.LandmarkInfo
	} else {
		identified, err := s.identify(ctx, in.Image, in.MimeType, in.ImageURL, in.Language)
		if err != nil {
			return model.Discovery{}, err
		}
		info = identified
	}
	if strings.TrimSpace(info.Name) == "" {
		return model.Discovery{}, fmt.Errorf("%w: landmark name is required", ErrInvalid)
	}
	languages := in.Languages
	if len(languages) == 0 {
		languages = s.languages(ctx, info.CountryCode)
	}

	created, err := s.repo.CreateDiscovery(ctx, owner, model.Discovery{
		LandmarkInfo: info,
		Languages:    languages,
		ImageURL:     in.ImageURL,
	})
	if err != nil {
		return model.Discovery{}, err
	}
	cache.CacheDiscovery(created.ID, created.Cached())
	cache.InvalidateDiscoveryList()
	return created, nil
}

// Retranslate regenerates the landmark description in language and updates
// the cached entry. The stored document keeps its original language.
func (s *Service) Retranslate(ctx context.Context, cache *entitycache.Cache, owner, id, language string) (model.CachedDiscovery, error) {
	if strings.TrimSpace(language) == "" {
		return model.CachedDiscovery{}, fmt.Errorf("%w: language is required", ErrInvalid)
	}
	current, err := s.Discovery(ctx, cache, owner, id)
	if err != nil {
		return model.CachedDiscovery{}, err
	}
	info, err := s.identify(ctx, "", "", current.ImageURL, language)
	if err != nil {
		return model.CachedDiscovery{}, err
	}
	updated := model.CachedDiscovery{LandmarkInfo: info, ImageURL: current.ImageURL, Language: language}
	cache.CacheDiscovery(id, updated)
	return updated, nil
}

// Itineraries returns the owner's itineraries, narrowed to discoveryID when
// it is non-empty. The full list is cached and filtered locally.
func (s *Service) Itineraries(ctx context.Context, cache *entitycache.Cache, owner, discoveryID string) ([]model.Itinerary, error) {
	list, ok := cache.CachedItineraries()
	if !ok {
		fetched, err := s.repo.ListItineraries(ctx, owner, "")
		if err != nil {
			return nil, err
		}
		cache.CacheItineraries(fetched)
		list = fetched
	}
	if discoveryID == "" {
		return list, nil
	}
	out := make([]model.Itinerary, 0, len(list))
	for _, it := range list {
		if it.DiscoveryID == discoveryID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Service) SaveItinerary(ctx context.Context, cache *entitycache.Cache, owner string, in NewItinerary) (model.Itinerary, error) {
	if strings.TrimSpace(in.DiscoveryID) == "" || strings.TrimSpace(in.Duration) == "" {
		return model.Itinerary{}, fmt.Errorf("%w: discoveryId and duration are required", ErrInvalid)
	}
	discovery, err := s.repo.GetDiscovery(ctx, owner, in.DiscoveryID)
	if err != nil {
		return model.Itinerary{}, err
	}
	content := in.Content
	if strings.TrimSpace(content) == "" {
		out, err := s.generate(ctx, generation.KindItinerary, map[string]any{
			"landmarkInfo": discovery.LandmarkInfo,
			"duration":     in.Duration,
			"interests":    in.Interests,
		})
		if err != nil {
			return model.Itinerary{}, err
		}
		content = out.Text
	}
	created, err := s.repo.CreateItinerary(ctx, owner, model.Itinerary{
		DiscoveryID:  in.DiscoveryID,
		LandmarkName: discovery.LandmarkInfo.Name,
		Duration:     in.Duration,
		Interests:    in.Interests,
		Content:      content,
	})
	if err != nil {
		return model.Itinerary{}, err
	}
	cache.ClearItineraryCache()
	return created, nil
}

// Postcards mirrors Itineraries: the full list is cached and discoveryID, when
// set, narrows it locally.
func (s *Service) Postcards(ctx context.Context, cache *entitycache.Cache, owner, discoveryID string) ([]model.Postcard, error) {
	list, ok := cache.CachedPostcards()
	if !ok {
		fetched, err := s.repo.ListPostcards(ctx, owner)
		if err != nil {
			return nil, err
		}
		cache.CachePostcards(fetched)
		list = fetched
	}
	if discoveryID == "" {
		return list, nil
	}
	out := make([]model.Postcard, 0, len(list))
	for _, pc := range list {
		if pc.DiscoveryID == discoveryID {
			out = append(out, pc)
		}
	}
	return out, nil
}

func (s *Service) SavePostcard(ctx context.Context, cache *entitycache.Cache, owner string, in NewPostcard) (model.Postcard, error) {
	if strings.TrimSpace(in.DiscoveryID) == "" || strings.TrimSpace(in.StylePrompt) == "" {
		return model.Postcard{}, fmt.Errorf("%w: discoveryId and stylePrompt are required", ErrInvalid)
	}
	imageURL := strings.TrimSpace(in.ImageURL)
	if imageURL == "" {
		if in.Image == "" && in.OriginalImageURL == "" {
			return model.Postcard{}, fmt.Errorf("%w: image or originalImageUrl is required", ErrInvalid)
		}
		out, err := s.generate(ctx, generation.KindPostcard, map[string]any{
			"image":            in.Image,
			"mimeType":         in.MimeType,
			"originalImageUrl": in.OriginalImageURL,
			"stylePrompt":      in.StylePrompt,
		})
		if err != nil {
			return model.Postcard{}, err
		}
		imageURL = strings.TrimSpace(out.Text)
		if imageURL == "" {
			return model.Postcard{}, fmt.Errorf("%w: postcard: empty image", ErrGeneration)
		}
	}
	created, err := s.repo.CreatePostcard(ctx, owner, model.Postcard{
		DiscoveryID:      in.DiscoveryID,
		ImageURL:         imageURL,
		StylePrompt:      in.StylePrompt,
		OriginalImageURL: in.OriginalImageURL,
	})
	if err != nil {
		return model.Postcard{}, err
	}
	cache.ClearPostcardCache()
	return created, nil
}

// Timeline resolves the historical timeline of a discovery: cached text,
// then the text persisted on the discovery, then a fresh generation that is
// persisted before it is cached.
func (s *Service) Timeline(ctx context.Context, cache *entitycache.Cache, owner, discoveryID string) (string, error) {
	if text, ok := cache.Timeline(discoveryID); ok {
		return text, nil
	}
	discovery, err := s.repo.GetDiscovery(ctx, owner, discoveryID)
	if err != nil {
		return "", err
	}
	if discovery.Timeline != "" {
		cache.CacheTimeline(discoveryID, discovery.Timeline)
		return discovery.Timeline, nil
	}
	out, err := s.generate(ctx, generation.KindTimeline, map[string]any{"landmarkInfo": discovery.LandmarkInfo})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: timeline: empty text", ErrGeneration)
	}
	if err := s.repo.SetTimeline(ctx, owner, discoveryID, text); err != nil {
		return "", err
	}
	cache.CacheTimeline(discoveryID, text)
	return text, nil
}

// NearbyPlaces suggests places around a landmark. Results are cached per
// landmark name and coordinates.
func (s *Service) NearbyPlaces(ctx context.Context, cache *entitycache.Cache, name string, lat, lng float64) ([]model.NearbyPlace, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: landmark name is required", ErrInvalid)
	}
	key := entitycache.NearbyKey(name, lat, lng)
	if places, ok := cache.NearbyPlaces(key); ok {
		return places, nil
	}
	out, err := s.generate(ctx, generation.KindNearbyPlaces, map[string]any{
		"landmarkName": name,
		"coords":       map[string]any{"latitude": lat, "longitude": lng},
	})
	if err != nil {
		return nil, err
	}
	places, err := parseNearby(out.Text)
	if err != nil {
		return nil, err
	}
	cache.CacheNearbyPlaces(key, places)
	return places, nil
}

// Narrate returns base64 speech for text.
func (s *Service) Narrate(ctx context.Context, text, voice, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: text is required", ErrInvalid)
	}
	out, err := s.generate(ctx, generation.KindNarrate, map[string]any{
		"text":     text,
		"voice":    voice,
		"language": language,
	})
	if err != nil {
		return "", err
	}
	if out.Audio == "" {
		return "", fmt.Errorf("%w: narrate: empty audio", ErrGeneration)
	}
	return out.Audio, nil
}

func (s *Service) identify(ctx context.Context, image, mimeType, imageURL, language string) (model.LandmarkInfo, error) {
	if image == "" && imageURL == "" {
		return model.LandmarkInfo{}, fmt.Errorf("%w: image or imageUrl is required", ErrInvalid)
	}
	params := map[string]any{"imageUrl": imageURL, "language": language}
	if image != "" {
		params["image"] = image
		params["mimeType"] = mimeType
	}
	out, err := s.generate(ctx, generation.KindLandmarkInfo, params)
	if err != nil {
		return model.LandmarkInfo{}, err
	}
	var info model.LandmarkInfo
	if err := decodeJSON(out.Text, &info); err != nil {
		return model.LandmarkInfo{}, fmt.Errorf("%w: landmark info: %w", ErrGeneration, err)
	}
	if info.Sources == nil {
		info.Sources = []model.GroundingChunk{}
	}
	return info, nil
}

// languages is best effort: a discovery without narration languages is
// still worth saving.
func (s *Service) languages(ctx context.Context, countryCode string) []model.Language {
	if strings.TrimSpace(countryCode) == "" {
		return []model.Language{}
	}
	out, err := s.generate(ctx, generation.KindLanguages, map[string]any{"countryCode": countryCode})
	if err != nil {
		s.logger.Warn("language lookup failed", slog.String("country_code", countryCode), slog.Any("error", err))
		return []model.Language{}
	}
	var list []model.Language
	if err := decodeJSON(out.Text, &list); err != nil {
		s.logger.Warn("language list unparseable", slog.String("country_code", countryCode), slog.Any("error", err))
		return []model.Language{}
	}
	if list == nil {
		list = []model.Language{}
	}
	return list
}

func (s *Service) generate(ctx context.Context, kind generation.Kind, params map[string]any) (generation.Payload, error) {
	out, err := s.generator.Generate(ctx, kind, params)
	if err != nil {
		return generation.Payload{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return out, nil
}

// nearbyResult is the object form of a nearby-places answer: suggestions
// plus the map citations they were grounded on.
type nearbyResult struct {
	Places  []model.NearbyPlace    `json:"places"`
	Sources []model.GroundingChunk `json:"sources"`
}

// parseNearby accepts either a bare JSON list of places or an object with
// places and sources. Places without a link are matched to a map citation
// by title and dropped when none matches.
func parseNearby(text string) ([]model.NearbyPlace, error) {
	body := generation.StripCodeFence(text)
	var result nearbyResult
	if strings.HasPrefix(strings.TrimSpace(body), "[") {
		if err := json.Unmarshal([]byte(body), &result.Places); err != nil {
			return nil, fmt.Errorf("%w: nearby places: %w", ErrGeneration, err)
		}
	} else if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("%w: nearby places: %w", ErrGeneration, err)
	}

	out := make([]model.NearbyPlace, 0, len(result.Places))
	for _, place := range result.Places {
		if strings.TrimSpace(place.Name) == "" {
			continue
		}
		if place.URI == "" {
			link := matchSource(place.Name, result.Sources)
			if link == nil {
				continue
			}
			place.URI, place.Title = link.URI, link.Title
		}
		if place.Title == "" {
			place.Title = place.Name
		}
		out = append(out, place)
	}
	return out, nil
}

func matchSource(name string, sources []model.GroundingChunk) *model.SourceLink {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, chunk := range sources {
		link := chunk.Maps
		if link == nil {
			link = chunk.Web
		}
		if link == nil || link.URI == "" || link.Title == "" {
			continue
		}
		title := strings.ToLower(link.Title)
		if strings.Contains(title, needle) || strings.Contains(needle, title) {
			return link
		}
	}
	return nil
}

func decodeJSON(text string, out any) error {
	return json.Unmarshal([]byte(generation.StripCodeFence(text)), out)
}
