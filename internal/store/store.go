// Package store defines the persistence interface for the journal engine.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// wrapper (CachedStore), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pnljournal/journal-engine/internal/model"
)

// ErrNotFound is returned when an update targets a user that does not exist.
var ErrNotFound = errors.New("store: not found")

// Page size bounds for ListTrades.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
	recentTrades     = 5
	todayWindow      = 24 * time.Hour
)

// UserStore persists journal owners and their credential envelopes.
type UserStore interface {
	// UpsertUserByTelegramID creates the user on first sight and refreshes
	// the username on every later call.
	UpsertUserByTelegramID(ctx context.Context, telegramID string, username *string) (*model.User, error)

	// SetUserCredentials stores the envelopes and sets api_connected.
	SetUserCredentials(ctx context.Context, userID int64, creds model.EncryptedCredentials) error

	// ClearUserCredentials drops all envelopes and clears api_connected.
	ClearUserCredentials(ctx context.Context, userID int64) error

	SetAPIConnected(ctx context.Context, userID int64, connected bool) error

	// SetLastSync advances the sync watermark.
	SetLastSync(ctx context.Context, userID int64, at time.Time) error
}

// TradeStore persists matched trades.
type TradeStore interface {
	// InsertTrades writes trades in one transaction, skipping rows whose
	// natural key already exists. It returns the number of new rows.
	InsertTrades(ctx context.Context, trades []model.MatchedTrade) (int, error)

	// ListTrades returns one page ordered by exit time, newest first.
	ListTrades(ctx context.Context, q model.TradeQuery) (*model.TradePage, error)

	// GetOverview aggregates realized PnL as of now.
	GetOverview(ctx context.Context, userID int64, now time.Time) (*model.Overview, error)
}

// Store is the full persistence interface.
type Store interface {
	UserStore
	TradeStore
	Ping(ctx context.Context) error
}

// ClampLimit bounds a page size to [1, MaxPageLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
