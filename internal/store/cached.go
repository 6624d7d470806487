package store

import (
	"context"
	"time"

	"github.com/pnljournal/journal-engine/internal/cache"
	"github.com/pnljournal/journal-engine/internal/model"
)

// CachedStore wraps a primary Store with a read-through cache for trade
// listings and overviews. Writes pass through untouched; the callers that
// change a user's trades invalidate the affected keys.
type CachedStore struct {
	Store
	gate *cache.Gate
	ttl  time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, gate *cache.Gate, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, gate: gate, ttl: ttl}
}

func (s *CachedStore) ListTrades(ctx context.Context, q model.TradeQuery) (*model.TradePage, error) {
	q.Limit = ClampLimit(q.Limit)
	key := cache.TradesKey(q.UserID, q.Cursor, q.Limit, q.Symbol)

	var page model.TradePage
	if s.gate.Load(ctx, key, &page) {
		return &page, nil
	}

	p, err := s.Store.ListTrades(ctx, q)
	if err != nil {
		return nil, err
	}
	s.gate.Store(ctx, key, p, s.ttl)
	return p, nil
}

func (s *CachedStore) GetOverview(ctx context.Context, userID int64, now time.Time) (*model.Overview, error) {
	key := cache.OverviewKey(userID)

	var ov model.Overview
	if s.gate.Load(ctx, key, &ov) {
		return &ov, nil
	}

	o, err := s.Store.GetOverview(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	s.gate.Store(ctx, key, o, s.ttl)
	return o, nil
}
