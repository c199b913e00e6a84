package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/model"
)

const byDiscoveryFilter = `doc.discoveryId == params.discoveryId`

// Repository is typed access to an owner's discoveries, itineraries and
// postcards in the document store.
type Repository struct {
	store docstore.Store
}

func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

func discoveriesPath(owner string) string { return docstore.Path("users", owner, "discoveries") }
func itinerariesPath(owner string) string { return docstore.Path("users", owner, "itineraries") }
func postcardsPath(owner string) string   { return docstore.Path("users", owner, "postcards") }

var newestFirst = docstore.Query{OrderBy: "createdAt", Descending: true}

func (r *Repository) ListDiscoveries(ctx context.Context, owner string) ([]model.Discovery, error) {
	docs, err := r.store.List(ctx, discoveriesPath(owner), newestFirst)
	if err != nil {
		return nil, remoteErr("list discoveries", err)
	}
	return decodeAll(docs, model.DiscoveryFromDocument)
}

func (r *Repository) GetDiscovery(ctx context.Context, owner, id string) (model.Discovery, error) {
	doc, err := r.store.Get(ctx, docstore.Path(discoveriesPath(owner), id))
	if err != nil {
		return model.Discovery{}, remoteErr("get discovery", err)
	}
	return model.DiscoveryFromDocument(doc)
}

func (r *Repository) CreateDiscovery(ctx context.Context, owner string, d model.Discovery) (model.Discovery, error) {
	fields, err := model.Fields(d)
	if err != nil {
		return model.Discovery{}, err
	}
	doc, err := r.store.Create(ctx, discoveriesPath(owner), fields)
	if err != nil {
		return model.Discovery{}, remoteErr("create discovery", err)
	}
	return model.DiscoveryFromDocument(doc)
}

// SetTimeline persists a generated timeline on the discovery document.
func (r *Repository) SetTimeline(ctx context.Context, owner, id, timeline string) error {
	if _, err := r.store.Update(ctx, docstore.Path(discoveriesPath(owner), id), map[string]any{"timeline": timeline}); err != nil {
		return remoteErr("store timeline", err)
	}
	return nil
}

func (r *Repository) DeleteDiscovery(ctx context.Context, owner, id string) error {
	if err := r.store.Delete(ctx, docstore.Path(discoveriesPath(owner), id)); err != nil {
		return remoteErr("delete discovery", err)
	}
	return nil
}

// ListItineraries returns the owner's itineraries, newest first. A non-empty
// discoveryID narrows the result to that discovery.
func (r *Repository) ListItineraries(ctx context.Context, owner, discoveryID string) ([]model.Itinerary, error) {
	q := newestFirst
	if discoveryID != "" {
		q.Filter = byDiscoveryFilter
		q.Params = map[string]any{"discoveryId": discoveryID}
	}
	docs, err := r.store.List(ctx, itinerariesPath(owner), q)
	if err != nil {
		return nil, remoteErr("list itineraries", err)
	}
	return decodeAll(docs, model.ItineraryFromDocument)
}

func (r *Repository) CreateItinerary(ctx context.Context, owner string, it model.Itinerary) (model.Itinerary, error) {
	fields, err := model.Fields(it)
	if err != nil {
		return model.Itinerary{}, err
	}
	doc, err := r.store.Create(ctx, itinerariesPath(owner), fields)
	if err != nil {
		return model.Itinerary{}, remoteErr("create itinerary", err)
	}
	return model.ItineraryFromDocument(doc)
}

func (r *Repository) DeleteItinerary(ctx context.Context, owner, id string) error {
	if err := r.store.Delete(ctx, docstore.Path(itinerariesPath(owner), id)); err != nil {
		return remoteErr("delete itinerary", err)
	}
	return nil
}

func (r *Repository) ListPostcards(ctx context.Context, owner string) ([]model.Postcard, error) {
	docs, err := r.store.List(ctx, postcardsPath(owner), newestFirst)
	if err != nil {
		return nil, remoteErr("list postcards", err)
	}
	return decodeAll(docs, model.PostcardFromDocument)
}

func (r *Repository) CreatePostcard(ctx context.Context, owner string, p model.Postcard) (model.Postcard, error) {
	fields, err := model.Fields(p)
	if err != nil {
		return model.Postcard{}, err
	}
	doc, err := r.store.Create(ctx, postcardsPath(owner), fields)
	if err != nil {
		return model.Postcard{}, remoteErr("create postcard", err)
	}
	return model.PostcardFromDocument(doc)
}

func (r *Repository) DeletePostcard(ctx context.Context, owner, id string) error {
	if err := r.store.Delete(ctx, docstore.Path(postcardsPath(owner), id)); err != nil {
		return remoteErr("delete postcard", err)
	}
	return nil
}

func decodeAll[T any](docs []docstore.Document, decode func(docstore.Document) (T, error)) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func remoteErr(op string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	if errors.Is(err, docstore.ErrInvalidPath) {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteFetch, op, err)
}
