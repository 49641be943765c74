package cache

import (
	"context"
	"log/slog"
	"time"
)

// ResilientCache wraps a Cache implementation and suppresses errors,
// logging them instead of returning them. A failing backend then behaves
// like an empty cache.
type ResilientCache[T any] struct {
	inner  Cache[T]
	logger *slog.Logger
}

// NewResilient creates a new ResilientCache wrapper. A nil logger means
// slog.Default().
func NewResilient[T any](inner Cache[T], logger *slog.Logger) *ResilientCache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientCache[T]{inner: inner, logger: logger}
}

// Get implements Cache.Get. A failing read is reported as a miss.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache: get failed", "key", key, "error", err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("cache: set failed", "key", key, "error", err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.logger.Warn("cache: invalidate failed", "key", key, "error", err)
	}
	return nil
}
