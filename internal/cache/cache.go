package cache

import (
	"context"
)

// TokenCache stores issued tokens by key. Implementations must be safe for
// concurrent use.
type TokenCache[T any] interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (T, bool, error)

	Set(ctx context.Context, key string, value T) error

	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}
