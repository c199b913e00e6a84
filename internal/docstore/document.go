package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document path has no document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("docstore: closed")
	// ErrInvalidPath flags malformed collection or document paths.
	ErrInvalidPath = errors.New("docstore: invalid path")
)

// Document is one stored record. Data holds the JSON-compatible field set;
// timestamps are assigned by the store.
type Document struct {
	ID        string
	Path      string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is delivered to subscribers: the current state of a document
// after each committed change. Exists is false once the document is deleted.
// Err is set when the channel failed and no further snapshots will follow.
type Snapshot struct {
	Doc    Document
	Exists bool
	Err    error
}

// Query selects documents of one collection.
type Query struct {
	// OrderBy is "createdAt" (default) or "updatedAt".
	OrderBy    string
	Descending bool
	// Filter is an optional CEL expression over `id`, `doc` and `params`.
	Filter string
	Params map[string]any
	// Limit caps the result when positive.
	Limit int
}

// MutateFunc receives a private copy of the current fields and returns the
// fields to store.
type MutateFunc func(data map[string]any) (map[string]any, error)

// Subscription stops snapshot delivery when closed. A callback already
// running when Close is called may still complete.
type Subscription interface {
	Close()
}

// Store is the document store contract shared by the catalog, chat and
// conversation packages.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	List(ctx context.Context, collection string, q Query) ([]Document, error)
	Create(ctx context.Context, collection string, data map[string]any) (Document, error)
	Update(ctx context.Context, path string, fields map[string]any) (Document, error)
	Mutate(ctx context.Context, path string, fn MutateFunc) (Document, error)
	Delete(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
}

// Path joins segments into a slash-separated store path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitDocument splits a document path into its collection and id.
func SplitDocument(path string) (string, string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(segments)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1], nil
}

func validateCollection(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
