package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// NewInstrumentedMemory creates an in-memory cache with operation metrics
// attached. Entries live for at most ttl.
func NewInstrumentedMemory[T any](ttl time.Duration, maxSize int, opts ...InstrumentedOption) (TokenCache[T], error) {
	log.Info().
		Str("cache_type", "memory").
		Dur("ttl", ttl).
		Int("max_size", maxSize).
		Msg("initializing in-memory cache")

	memory, err := NewMemory[T](ttl, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	return NewInstrumented[T](memory, "memory", opts...), nil
}
