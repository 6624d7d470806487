package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnljournal/journal-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	nextID int64
	users  map[int64]*model.User
	byTG   map[string]int64

	nextTradeID int64
	trades      []model.MatchedTrade
	keys        map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		users: make(map[int64]*model.User),
		byTG:  make(map[string]int64),
		keys:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) UpsertUserByTelegramID(_ context.Context, telegramID string, username *string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if id, ok := s.byTG[telegramID]; ok {
		u := s.users[id]
		u.Username = cloneString(username)
		u.UpdatedAt = now
		return cloneUser(u), nil
	}

	s.nextID++
	u := &model.User{
		ID:         s.nextID,
		TelegramID: telegramID,
		Username:   cloneString(username),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.users[u.ID] = u
	s.byTG[telegramID] = u.ID
	return cloneUser(u), nil
}

func (s *MemoryStore) SetUserCredentials(_ context.Context, userID int64, creds model.EncryptedCredentials) error {
	return s.updateUser(userID, func(u *model.User) {
		u.EncryptedAPIKey = &creds.APIKey
		u.EncryptedSecret = &creds.Secret
		u.EncryptedPassphrase = cloneString(creds.Passphrase)
		u.APIConnected = true
	})
}

func (s *MemoryStore) ClearUserCredentials(_ context.Context, userID int64) error {
	return s.updateUser(userID, func(u *model.User) {
		u.EncryptedAPIKey = nil
		u.EncryptedSecret = nil
		u.EncryptedPassphrase = nil
		u.APIConnected = false
	})
}

func (s *MemoryStore) SetAPIConnected(_ context.Context, userID int64, connected bool) error {
	return s.updateUser(userID, func(u *model.User) {
		u.APIConnected = connected
	})
}

func (s *MemoryStore) SetLastSync(_ context.Context, userID int64, at time.Time) error {
	at = at.UTC()
	return s.updateUser(userID, func(u *model.User) {
		u.LastSync = &at
	})
}

// User returns a copy of the stored user. Test helper.
func (s *MemoryStore) User(id int64) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return cloneUser(u), true
}

func (s *MemoryStore) updateUser(id int64, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.MatchedTrade) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, t := range trades {
		k := naturalKey(t)
		if _, dup := s.keys[k]; dup {
			continue
		}
		s.keys[k] = struct{}{}
		s.nextTradeID++
		t.ID = s.nextTradeID
		t.CreatedAt = s.now().UTC()
		s.trades = append(s.trades, t)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, q model.TradeQuery) (*model.TradePage, error) {
	limit := ClampLimit(q.Limit)

	s.mu.RLock()
	var rows []model.MatchedTrade
	for _, t := range s.trades {
		if t.UserID != q.UserID {
			continue
		}
		if q.Symbol != "" && !strings.EqualFold(t.Symbol, q.Symbol) {
			continue
		}
		if q.Cursor != nil && !t.ExitTime.Before(*q.Cursor) {
			continue
		}
		rows = append(rows, t)
	}
	s.mu.RUnlock()

	sortNewestFirst(rows)

	page := &model.TradePage{Trades: rows}
	if len(rows) > limit {
		page.Trades = rows[:limit]
		page.HasMore = true
		last := page.Trades[limit-1].ExitTime
		page.NextCursor = &last
	}
	if page.Trades == nil {
		page.Trades = []model.MatchedTrade{}
	}
	return page, nil
}

func (s *MemoryStore) GetOverview(_ context.Context, userID int64, now time.Time) (*model.Overview, error) {
	since := now.Add(-todayWindow)

	s.mu.RLock()
	var rows []model.MatchedTrade
	for _, t := range s.trades {
		if t.UserID == userID {
			rows = append(rows, t)
		}
	}
	s.mu.RUnlock()

	ov := &model.Overview{
		TotalPnL:     decimal.Zero,
		TodayPnL:     decimal.Zero,
		TradesCount:  len(rows),
		RecentTrades: []model.MatchedTrade{},
	}
	for _, t := range rows {
		ov.TotalPnL = ov.TotalPnL.Add(t.PnL)
		if !t.ExitTime.Before(since) {
			ov.TodayPnL = ov.TodayPnL.Add(t.PnL)
		}
	}

	sortNewestFirst(rows)
	if len(rows) > recentTrades {
		rows = rows[:recentTrades]
	}
	ov.RecentTrades = append(ov.RecentTrades, rows...)
	return ov, nil
}

func sortNewestFirst(rows []model.MatchedTrade) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ExitTime.Equal(rows[j].ExitTime) {
			return rows[i].ExitTime.After(rows[j].ExitTime)
		}
		return rows[i].ID > rows[j].ID
	})
}

// naturalKey mirrors the unique index on trades.
func naturalKey(t model.MatchedTrade) string {
	return strings.Join([]string{
		strconv.FormatInt(t.UserID, 10),
		t.Symbol,
		strconv.FormatInt(t.EntryTime.UnixMicro(), 10),
		strconv.FormatInt(t.ExitTime.UnixMicro(), 10),
		t.Quantity.String(),
	}, "|")
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Username = cloneString(u.Username)
	c.EncryptedAPIKey = cloneString(u.EncryptedAPIKey)
	c.EncryptedSecret = cloneString(u.EncryptedSecret)
	c.EncryptedPassphrase = cloneString(u.EncryptedPassphrase)
	if u.LastSync != nil {
		ls := *u.LastSync
		c.LastSync = &ls
	}
	return &c
}
