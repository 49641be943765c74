package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxEntries bounds a RistrettoCache when no size is given.
const DefaultMaxEntries = 10_000

// RistrettoCache implements Cache using dgraph-io/ristretto. Every entry
// costs one unit, so the configured cost limit is an entry count.
type RistrettoCache[T any] struct {
	c            *ristretto.Cache
	traceEnabled bool
}

type ristrettoConfig struct {
	maxEntries int64
	tracing    bool
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption func(*ristrettoConfig)

// WithMaxEntries caps the number of cached entries.
func WithMaxEntries(n int64) RistrettoOption {
	return func(c *ristrettoConfig) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTracing enables OpenTelemetry spans around cache reads.
func WithTracing() RistrettoOption {
	return func(c *ristrettoConfig) { c.tracing = true }
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption) (*RistrettoCache[T], error) {
	cfg := ristrettoConfig{maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.maxEntries * 10,
		MaxCost:     cfg.maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: rc, traceEnabled: cfg.tracing}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	var span trace.Span
	if r.traceEnabled {
		_, span = tracer.Start(ctx, "Cache.Get")
		defer span.End()
	}
	v, ok := r.c.Get(key)
	if span != nil {
		span.SetAttributes(attribute.Bool("taskwarp.cache.hit", ok))
	}
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	return val, ok, nil
}

// Set implements Cache.Set. The entry is visible to Get once Set returns.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	return nil
}

// Stats returns hit and miss counts.
func (r *RistrettoCache[T]) Stats() Stats {
	return Stats{Hits: r.c.Metrics.Hits(), Misses: r.c.Metrics.Misses()}
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
