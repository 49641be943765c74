package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-taskwarp/v1/cache"
)

// DefaultNameTTL is how long a resolved display name is cached.
const DefaultNameTTL = 5 * time.Minute

// Directory resolves user ids to display names through a cache in front of
// the user store.
type Directory struct {
	store  Store
	names  cache.Cache[string]
	ttl    time.Duration
	logger *slog.Logger
}

// NewDirectory returns a Directory. ttl <= 0 selects DefaultNameTTL.
func NewDirectory(store Store, names cache.Cache[string], ttl time.Duration, logger *slog.Logger) *Directory {
	if ttl <= 0 {
		ttl = DefaultNameTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, names: names, ttl: ttl, logger: logger}
}

// Name returns the display name of userID, or "" when it cannot be resolved.
func (d *Directory) Name(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok, err := d.names.Get(ctx, userID); err == nil && ok {
		return name
	}
	u, err := d.store.FindByID(ctx, userID)
	if err != nil {
		d.logger.Debug("users: name lookup failed", "user", userID, "error", err)
		return ""
	}
	if err := d.names.Set(ctx, userID, u.Name, d.ttl); err != nil {
		d.logger.Warn("users: name cache write failed", "user", userID, "error", err)
	}
	return u.Name
}
