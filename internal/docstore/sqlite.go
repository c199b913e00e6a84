package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/l0p7/tourvista/internal/expr"
	"github.com/l0p7/tourvista/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_collection_updated ON documents(collection, updated_at);
`

// Options tunes the SQLite store.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Filters compiles Query.Filter expressions. A fresh environment is built
	// when nil.
	Filters *expr.Environment
}

// SQLite is a document store on a single SQLite file. Writes are serialized
// so subscribers observe changes in commit order.
type SQLite struct {
	db      *sql.DB
	filters *expr.Environment
	logger  *slog.Logger
	metrics *metrics.Recorder
	hub     *hub

	// writeMu orders commits with their notifications.
	writeMu sync.Mutex
	closed  bool
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string, opts Options) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("docstore: path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("docstore: create dir: %w", err)
		}
	}
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: apply schema: %w", err)
	}

	filters := opts.Filters
	if filters == nil {
		filters, err = expr.NewEnvironment()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLite{
		db:      db,
		filters: filters,
		logger:  logger.With(slog.String("agent", "docstore")),
		metrics: opts.Metrics,
		hub:     newHub(),
	}, nil
}

// Close stops every subscription with ErrClosed and releases the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()
	s.hub.closeAll(ErrClosed)
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	s.writeMu.Lock()
	closed := s.closed
	s.writeMu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Get(ctx context.Context, path string) (doc Document, err error) {
	defer s.observe("docstore.get", time.Now(), &err)
	if _, _, err := SplitDocument(path); err != nil {
		return Document{}, err
	}
	doc, found, err := s.get(ctx, s.db, path)
	if err != nil {
		return Document{}, err
	}
	if !found {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return doc, nil
}

func (s *SQLite) List(ctx context.Context, collection string, q Query) (docs []Document, err error) {
	defer s.observe("docstore.list", time.Now(), &err)
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	column := "created_at"
	switch q.OrderBy {
	case "", "createdAt":
	case "updatedAt":
		column = "updated_at"
	default:
		return nil, fmt.Errorf("docstore: unsupported order field %q", q.OrderBy)
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	var filter *expr.Program
	if strings.TrimSpace(q.Filter) != "" {
		program, err := s.filters.Compile(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("docstore: filter: %w", err)
		}
		filter = &program
	}

	query := fmt.Sprintf(`SELECT path, id, data, created_at, updated_at FROM documents WHERE collection = ? ORDER BY %s %s, id %s`, column, direction, direction)
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", collection, err)
	}
	defer rows.Close()

	docs = make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			matched, err := filter.Match(doc.ID, doc.Data, q.Params)
			if err != nil {
				return nil, fmt.Errorf("docstore: filter %s: %w", doc.Path, err)
			}
			if !matched {
				continue
			}
		}
		docs = append(docs, doc)
		if q.Limit > 0 && len(docs) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", collection, err)
	}
	return docs, nil
}

// Create stores data under a new ULID in collection.
func (s *SQLite) Create(ctx context.Context, collection string, data map[string]any) (doc Document, err error) {
	defer s.observe("docstore.create", time.Now(), &err)
	if err := validateCollection(collection); err != nil {
		return Document{}, err
	}
	id := ulid.Make().String()
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc = Document{
		ID:        id,
		Path:      Path(collection, id),
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(doc.Data)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: encode: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (path, collection, id, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, doc.Path, collection, id, string(payload), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Document{}, fmt.Errorf("docstore: create in %s: %w", collection, err)
	}
	// Round-trip through JSON so the returned fields match what Get yields.
	doc.Data, err = decodeData(string(payload))
	if err != nil {
		return Document{}, err
	}
	s.hub.publish(doc.Path, Snapshot{Doc: doc, Exists: true})
	return doc, nil
}

// Update merges fields into the top level of an existing document.
func (s *SQLite) Update(ctx context.Context, path string, fields map[string]any) (Document, error) {
	start := time.Now()
	doc, err := s.mutate(ctx, path, func(data map[string]any) (map[string]any, error) {
		for k, v := range fields {
			data[k] = v
		}
		return data, nil
	})
	s.observe("docstore.update", start, &err)
	return doc, err
}

// Mutate runs fn inside a transaction against the current fields of path.
// fn must not call back into the store.
func (s *SQLite) Mutate(ctx context.Context, path string, fn MutateFunc) (Document, error) {
	start := time.Now()
	doc, err := s.mutate(ctx, path, fn)
	s.observe("docstore.mutate", start, &err)
	return doc, err
}

func (s *SQLite) mutate(ctx context.Context, path string, fn MutateFunc) (Document, error) {
	if fn == nil {
		return Document{}, errors.New("docstore: mutate requires a function")
	}
	if _, _, err := SplitDocument(path); err != nil {
		return Document{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, found, err := s.get(ctx, tx, path)
	if err != nil {
		return Document{}, err
	}
	if !found {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	next, err := fn(current.Data)
	if err != nil {
		return Document{}, err
	}
	if next == nil {
		next = map[string]any{}
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: encode: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET data = ?, updated_at = ? WHERE path = ?`, string(payload), now.UnixMilli(), path); err != nil {
		return Document{}, fmt.Errorf("docstore: update %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("docstore: commit: %w", err)
	}

	current.UpdatedAt = now
	current.Data, err = decodeData(string(payload))
	if err != nil {
		return Document{}, err
	}
	s.hub.publish(path, Snapshot{Doc: current, Exists: true})
	return current, nil
}

// Delete removes path. Deleting an absent document succeeds.
func (s *SQLite) Delete(ctx context.Context, path string) (err error) {
	defer s.observe("docstore.delete", time.Now(), &err)
	if _, _, err := SplitDocument(path); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("docstore: delete %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, id, _ := SplitDocument(path)
		s.hub.publish(path, Snapshot{Doc: Document{ID: id, Path: path}, Exists: false})
	}
	return nil
}

// Subscribe delivers the current state of path immediately and then one
// snapshot per committed change, in commit order, on a dedicated goroutine.
func (s *SQLite) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("docstore: subscribe requires a callback")
	}
	_, id, err := SplitDocument(path)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, found, err := s.get(ctx, s.db, path)
	if err != nil {
		return nil, err
	}
	initial := Snapshot{Doc: doc, Exists: found}
	if !found {
		initial.Doc = Document{ID: id, Path: path}
	}
	l := s.hub.add(path, fn)
	l.push(initial)
	s.logger.Debug("subscription opened", slog.String("path", path))
	return l, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) get(ctx context.Context, q queryer, path string) (Document, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT path, id, data, created_at, updated_at FROM documents WHERE path = ?`, path)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var (
		doc       Document
		raw       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&doc.Path, &doc.ID, &raw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("docstore: scan: %w", err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: %s: %w", doc.Path, err)
	}
	doc.Data = data
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return doc, nil
}

func decodeData(raw string) (map[string]any, error) {
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	return data, nil
}

func (s *SQLite) observe(operation string, start time.Time, err *error) {
	var failure error
	if err != nil && *err != nil && !errors.Is(*err, ErrNotFound) {
		failure = *err
	}
	s.metrics.ObserveRemote(operation, failure, time.Since(start))
}
