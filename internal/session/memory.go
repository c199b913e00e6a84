package session

import (
	"context"
	"strings"
	"sync"
)

type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
	closed  bool
}

// NewMemory returns a process-local backend. Entries live until deleted or
// the process exits.
func NewMemory() Backend {
	return &memoryBackend{entries: make(map[string]string)}
}

func (b *memoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", false, ErrClosed
	}
	value, ok := b.entries[key]
	return value, ok, nil
}

func (b *memoryBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.entries[key] = value
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.entries, key)
	return nil
}

func (b *memoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
		}
	}
	return nil
}

func (b *memoryBackend) Expire(context.Context, ...string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *memoryBackend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.entries = nil
	return nil
}
