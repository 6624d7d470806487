package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pnljournal/journal-engine/internal/cache"
	"github.com/pnljournal/journal-engine/internal/model"
)

// countingStore counts reads that reach the primary.
type countingStore struct {
	*MemoryStore
	lists     int
	overviews int
}

func (c *countingStore) ListTrades(ctx context.Context, q model.TradeQuery) (*model.TradePage, error) {
	c.lists++
	return c.MemoryStore.ListTrades(ctx, q)
}

func (c *countingStore) GetOverview(ctx context.Context, userID int64, now time.Time) (*model.Overview, error) {
	c.overviews++
	return c.MemoryStore.GetOverview(ctx, userID, now)
}

func newCachedEnv(t *testing.T) (*CachedStore, *countingStore, *cache.Gate) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gate := cache.NewGate(cache.NewRedisCache(rdb), slog.New(slog.NewTextHandler(io.Discard, nil)))
	primary := &countingStore{MemoryStore: NewMemoryStore()}
	return NewCachedStore(primary, gate, 15*time.Second), primary, gate
}

func TestCached_ListTradesReadThrough(t *testing.T) {
	cs, primary, gate := newCachedEnv(t)
	ctx := context.Background()
	primary.InsertTrades(ctx, []model.MatchedTrade{trade(1, "BTC-USDT", time.Hour, "1.5", "10.25")})

	q := model.TradeQuery{UserID: 1, Limit: 50}
	first, err := cs.ListTrades(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cs.ListTrades(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if primary.lists != 1 {
		t.Errorf("expected one primary read, got %d", primary.lists)
	}
	if len(second.Trades) != 1 || !second.Trades[0].PnL.Equal(first.Trades[0].PnL) {
		t.Errorf("cached page differs: %+v", second)
	}
	if !second.Trades[0].Quantity.Equal(d("1.5")) {
		t.Errorf("decimal lost in cache: %s", second.Trades[0].Quantity)
	}

	// A different limit is a different key.
	cs.ListTrades(ctx, model.TradeQuery{UserID: 1, Limit: 10})
	if primary.lists != 2 {
		t.Errorf("expected a miss for another limit, got %d reads", primary.lists)
	}

	gate.InvalidatePrefix(ctx, cache.TradesPrefix(1))
	cs.ListTrades(ctx, q)
	if primary.lists != 3 {
		t.Errorf("expected a miss after invalidation, got %d reads", primary.lists)
	}
}

func TestCached_OverviewReadThrough(t *testing.T) {
	cs, primary, gate := newCachedEnv(t)
	ctx := context.Background()

	cs.GetOverview(ctx, 1, base)
	cs.GetOverview(ctx, 1, base)
	if primary.overviews != 1 {
		t.Errorf("expected one primary read, got %d", primary.overviews)
	}

	gate.Invalidate(ctx, cache.OverviewKey(1))
	cs.GetOverview(ctx, 1, base)
	if primary.overviews != 2 {
		t.Errorf("expected a miss after invalidation, got %d", primary.overviews)
	}
}

func TestCached_WritesPassThrough(t *testing.T) {
	cs, primary, _ := newCachedEnv(t)
	ctx := context.Background()

	u, err := cs.UpsertUserByTelegramID(ctx, "7", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.SetLastSync(ctx, u.ID, base); err != nil {
		t.Fatal(err)
	}
	got, _ := primary.User(u.ID)
	if got.LastSync == nil || !got.LastSync.Equal(base) {
		t.Errorf("expected watermark to reach primary, got %v", got.LastSync)
	}
}
