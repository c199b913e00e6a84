package session

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("session: backend closed")

// Backend is the durable key/value storage behind a session. Values are
// opaque strings; the Store owns their encoding.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// Expire restarts the lifetime of every key given. Backends without
	// expiry treat it as a no-op.
	Expire(ctx context.Context, keys ...string) error
	Close(ctx context.Context) error
}
