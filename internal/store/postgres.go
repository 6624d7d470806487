package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pnljournal/journal-engine/internal/model"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const userColumns = `id, telegram_id, username, encrypted_api_key, encrypted_secret,
	encrypted_passphrase, api_connected, last_sync, created_at, updated_at`

func (s *PostgresStore) UpsertUserByTelegramID(ctx context.Context, telegramID string, username *string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (telegram_id, username)
		 VALUES ($1, $2)
		 ON CONFLICT (telegram_id)
		 DO UPDATE SET username = EXCLUDED.username, updated_at = NOW()
		 RETURNING `+userColumns,
		telegramID, username).
		Scan(&u.ID, &u.TelegramID, &u.Username, &u.EncryptedAPIKey, &u.EncryptedSecret,
			&u.EncryptedPassphrase, &u.APIConnected, &u.LastSync, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", telegramID, err)
	}
	return &u, nil
}

func (s *PostgresStore) SetUserCredentials(ctx context.Context, userID int64, creds model.EncryptedCredentials) error {
	return s.updateUser(ctx, userID,
		`UPDATE users
		 SET encrypted_api_key = $2, encrypted_secret = $3, encrypted_passphrase = $4,
		     api_connected = TRUE, updated_at = NOW()
		 WHERE id = $1`,
		creds.APIKey, creds.Secret, creds.Passphrase)
}

func (s *PostgresStore) ClearUserCredentials(ctx context.Context, userID int64) error {
	return s.updateUser(ctx, userID,
		`UPDATE users
		 SET encrypted_api_key = NULL, encrypted_secret = NULL, encrypted_passphrase = NULL,
		     api_connected = FALSE, updated_at = NOW()
		 WHERE id = $1`)
}

func (s *PostgresStore) SetAPIConnected(ctx context.Context, userID int64, connected bool) error {
	return s.updateUser(ctx, userID,
		`UPDATE users SET api_connected = $2, updated_at = NOW() WHERE id = $1`, connected)
}

func (s *PostgresStore) SetLastSync(ctx context.Context, userID int64, at time.Time) error {
	return s.updateUser(ctx, userID,
		`UPDATE users SET last_sync = $2, updated_at = NOW() WHERE id = $1`, at.UTC())
}

func (s *PostgresStore) updateUser(ctx context.Context, userID int64, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, append([]any{userID}, args...)...)
	if err != nil {
		return fmt.Errorf("update user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update user %d: %w", userID, ErrNotFound)
	}
	return nil
}

const insertTradeSQL = `INSERT INTO trades (
	user_id, symbol, entry_price, exit_price, quantity,
	buy_total, sell_total, pnl, pnl_percent, entry_time, exit_time
) VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
ON CONFLICT (user_id, symbol, entry_time, exit_time, quantity) DO NOTHING`

// InsertTrades runs every insert in one transaction. Any failure rolls back
// the whole batch.
func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.MatchedTrade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert trades: %w", err)
	}

	inserted := 0
	for _, t := range trades {
		tag, err := tx.Exec(ctx, insertTradeSQL,
			t.UserID, t.Symbol,
			t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(),
			t.BuyTotal.String(), t.SellTotal.String(),
			t.PnL.String(), t.PnLPercent.String(),
			t.EntryTime.UTC(), t.ExitTime.UTC(),
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("insert trade %s: %w", t.Symbol, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert trades: %w", err)
	}
	return inserted, nil
}

const tradeColumns = `id, user_id, symbol,
	entry_price::TEXT, exit_price::TEXT, quantity::TEXT,
	buy_total::TEXT, sell_total::TEXT, pnl::TEXT, pnl_percent::TEXT,
	entry_time, exit_time, created_at`

func (s *PostgresStore) ListTrades(ctx context.Context, q model.TradeQuery) (*model.TradePage, error) {
	limit := ClampLimit(q.Limit)

	filters := []string{"user_id = $1"}
	args := []any{q.UserID}
	if q.Symbol != "" {
		args = append(args, strings.ToUpper(q.Symbol))
		filters = append(filters, "UPPER(symbol) = $"+strconv.Itoa(len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.UTC())
		filters = append(filters, "exit_time < $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades
		 WHERE `+strings.Join(filters, " AND ")+`
		 ORDER BY exit_time DESC, id DESC
		 LIMIT $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list trades for user %d: %w", q.UserID, err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("list trades for user %d: %w", q.UserID, err)
	}

	page := &model.TradePage{Trades: trades}
	if len(trades) > limit {
		page.Trades = trades[:limit]
		page.HasMore = true
		last := page.Trades[limit-1].ExitTime
		page.NextCursor = &last
	}
	return page, nil
}

func (s *PostgresStore) GetOverview(ctx context.Context, userID int64, now time.Time) (*model.Overview, error) {
	var total, today string
	ov := &model.Overview{}

	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0)::TEXT,
		        COALESCE(SUM(CASE WHEN exit_time >= $2 THEN pnl ELSE 0 END), 0)::TEXT,
		        COUNT(*)
		 FROM trades WHERE user_id = $1`,
		userID, now.Add(-todayWindow).UTC()).
		Scan(&total, &today, &ov.TradesCount)
	if err != nil {
		return nil, fmt.Errorf("overview for user %d: %w", userID, err)
	}
	ov.TotalPnL, _ = decimal.NewFromString(total)
	ov.TodayPnL, _ = decimal.NewFromString(today)

	rows, err := s.db.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE user_id = $1
		 ORDER BY exit_time DESC, id DESC
		 LIMIT $2`,
		userID, recentTrades)
	if err != nil {
		return nil, fmt.Errorf("recent trades for user %d: %w", userID, err)
	}
	ov.RecentTrades, err = scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("recent trades for user %d: %w", userID, err)
	}
	return ov, nil
}

func scanTrades(rows pgx.Rows) ([]model.MatchedTrade, error) {
	defer rows.Close()

	trades := []model.MatchedTrade{}
	for rows.Next() {
		var t model.MatchedTrade
		var entryPx, exitPx, qty, buyTotal, sellTotal, pnl, pnlPct string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol,
			&entryPx, &exitPx, &qty,
			&buyTotal, &sellTotal, &pnl, &pnlPct,
			&t.EntryTime, &t.ExitTime, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EntryPrice, _ = decimal.NewFromString(entryPx)
		t.ExitPrice, _ = decimal.NewFromString(exitPx)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.BuyTotal, _ = decimal.NewFromString(buyTotal)
		t.SellTotal, _ = decimal.NewFromString(sellTotal)
		t.PnL, _ = decimal.NewFromString(pnl)
		t.PnLPercent, _ = decimal.NewFromString(pnlPct)
		t.EntryTime = t.EntryTime.UTC()
		t.ExitTime = t.ExitTime.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
