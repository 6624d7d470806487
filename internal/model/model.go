// Package model defines the core domain types shared across the journal engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an executed fill as reported by the exchange.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SyncStatus is the business outcome of one sync run.
type SyncStatus string

const (
	SyncStatusOK         SyncStatus = "OK"
	SyncStatusAPIInvalid SyncStatus = "API_INVALID"
)

// User is a journal owner identified by their Telegram id.
// The three credential envelopes are independent; the passphrase is optional.
type User struct {
	ID                  int64      `json:"id"`
	TelegramID          string     `json:"telegramId"`
	Username            *string    `json:"username"`
	EncryptedAPIKey     *string    `json:"encryptedApiKey"`
	EncryptedSecret     *string    `json:"encryptedSecret"`
	EncryptedPassphrase *string    `json:"encryptedPassphrase"`
	APIConnected        bool       `json:"apiConnected"`
	LastSync            *time.Time `json:"lastSync"` // sync watermark
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HasCredentials reports whether the user has the envelopes a sync needs.
func (u *User) HasCredentials() bool {
	return u.EncryptedAPIKey != nil && *u.EncryptedAPIKey != "" &&
		u.EncryptedSecret != nil && *u.EncryptedSecret != ""
}

// Credentials are decrypted exchange API credentials. Never persisted or cached.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// EncryptedCredentials holds the at-rest envelopes written on registration.
type EncryptedCredentials struct {
	APIKey     string
	Secret     string
	Passphrase *string
}

// RawFill is a single filled spot order as reported by the exchange.
// Quantity and Price keep the exchange's decimal strings.
type RawFill struct {
	Symbol      string `json:"symbol"`
	Side        Side   `json:"side"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	TimestampMs int64  `json:"timestampMs"`
}

// MatchedTrade is a closed round trip: one buy lot (or part of it) sold.
// Schema natural key: {user, symbol, entry_time, exit_time, quantity}.
// Once stored, these are never modified.
type MatchedTrade struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	BuyTotal   decimal.Decimal `json:"buyTotal"`  // entry_price * quantity
	SellTotal  decimal.Decimal `json:"sellTotal"` // exit_price * quantity
	PnL        decimal.Decimal `json:"pnl"`       // sell_total - buy_total
	PnLPercent decimal.Decimal `json:"pnlPercent"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SyncResult is returned by one sync invocation.
type SyncResult struct {
	SyncID         string     `json:"syncId"`
	FetchedOrders  int        `json:"fetchedOrders"`
	InsertedTrades int        `json:"insertedTrades"`
	Status         SyncStatus `json:"status"`
}

// TradeQuery selects one page of a user's trade history.
type TradeQuery struct {
	UserID int64
	Cursor *time.Time // exclusive upper bound on exit_time
	Limit  int
	Symbol string // optional, case-insensitive
}

// TradePage is one page of trades ordered by exit time, newest first.
type TradePage struct {
	Trades     []MatchedTrade `json:"trades"`
	HasMore    bool           `json:"hasMore"`
	NextCursor *time.Time     `json:"nextCursor"`
}

// Overview aggregates a user's realized PnL.
type Overview struct {
	TotalBalance decimal.Decimal `json:"totalBalance"` // balances are not fetched; always zero
	TotalPnL     decimal.Decimal `json:"totalPnl"`
	TodayPnL     decimal.Decimal `json:"todayPnl"` // trades exited in the last 24h
	TradesCount  int             `json:"tradesCount"`
	RecentTrades []MatchedTrade  `json:"recentTrades"`
}
