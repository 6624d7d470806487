package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/pnljournal/journal-engine/internal/metrics"
)

// Gate is the best-effort front of a Cache. Errors are logged at warn and
// counted; they never reach the caller.
type Gate struct {
	c      Cache
	logger *slog.Logger
}

// NewGate wraps c. A nil c behaves like NopCache.
func NewGate(c Cache, logger *slog.Logger) *Gate {
	if c == nil {
		c = NopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{c: c, logger: logger}
}

// Load reports whether key was found and decoded into dst.
func (g *Gate) Load(ctx context.Context, key string, dst any) bool {
	ok, err := g.c.Get(ctx, key, dst)
	if err != nil {
		g.logger.WarnContext(ctx, "cache read failed", "key", key, "err", err)
		return false
	}
	return ok
}

// Store writes value under key for ttl. A non-positive ttl is a no-op.
func (g *Gate) Store(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := g.c.Set(ctx, key, value, ttl); err != nil {
		g.logger.WarnContext(ctx, "cache write failed", "key", key, "err", err)
	}
}

// Invalidate deletes keys.
func (g *Gate) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := g.c.Delete(ctx, keys...); err != nil {
		metrics.CacheInvalidationFailures.Inc()
		g.logger.WarnContext(ctx, "cache invalidation failed", "keys", keys, "err", err)
	}
}

// InvalidatePrefix deletes every key under each prefix.
func (g *Gate) InvalidatePrefix(ctx context.Context, prefixes ...string) {
	for _, p := range prefixes {
		if err := g.c.DeletePrefix(ctx, p); err != nil {
			metrics.CacheInvalidationFailures.Inc()
			g.logger.WarnContext(ctx, "cache prefix invalidation failed", "prefix", p, "err", err)
		}
	}
}

// InvalidateUser drops the cached user, overview and optionally the trade
// listings of one account.
func (g *Gate) InvalidateUser(ctx context.Context, telegramID string, userID int64, listings bool) {
	g.Invalidate(ctx, UserKey(telegramID), OverviewKey(userID))
	if listings {
		g.InvalidatePrefix(ctx, TradesPrefix(userID))
	}
}
