package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-process cache backed by otter. Entries are evicted after
// the TTL has passed since they were written; callers that need a tighter
// validity window (e.g. token expiry) must check it themselves.
type Memory[T any] struct {
	cache *otter.Cache[string, T]
}

// NewMemory creates a new in-memory cache with the specified TTL and max size.
func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	cache, err := otter.New(&otter.Options[string, T]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, T](ttl),
	})
	if err != nil {
		return nil, err
	}

	return &Memory[T]{
		cache: cache,
	}, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	value, ok := m.cache.GetIfPresent(key)
	return value, ok, nil
}

// Set overwrites any existing value for the key. Concurrent writers race and
// the last write wins.
func (m *Memory[T]) Set(_ context.Context, key string, value T) error {
	m.cache.Set(key, value)
	return nil
}

func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory[T]) Close() error {
	m.cache.InvalidateAll()
	return nil
}
