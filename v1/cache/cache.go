package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-taskwarp/v1/cache")

// Cache is a lookaside store in front of a slower lookup, such as the user
// directory. Entries are hints: callers must tolerate misses at any time.
type Cache[T any] interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set caches value under key until ttl elapses.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate drops key.
	Invalidate(ctx context.Context, key string) error
}

// Stats counts lookups served from and missing from a cache.
type Stats struct {
	Hits   uint64
	Misses uint64
}
