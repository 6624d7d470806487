// Package syncer runs one incremental trade sync for one user: fetch fills
// since the watermark, match them into round trips, persist idempotently,
// advance the watermark and drop stale cache entries.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pnljournal/journal-engine/internal/matcher"
	"github.com/pnljournal/journal-engine/internal/metrics"
	"github.com/pnljournal/journal-engine/internal/model"
	"github.com/pnljournal/journal-engine/internal/okx"
)

// DefaultLookback is how far back the first sync of a user reaches.
const DefaultLookback = 30 * 24 * time.Hour

// ErrMissingCredentials is returned when the user has no stored API key or secret.
var ErrMissingCredentials = errors.New("syncer: API credentials are missing")

var tracer = otel.Tracer("github.com/pnljournal/journal-engine/internal/syncer")

// Gateway fetches filled spot orders from the exchange.
type Gateway interface {
	FetchFills(ctx context.Context, creds model.Credentials, sinceMs int64) ([]model.RawFill, error)
}

// Decrypter opens credential envelopes.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Store is the persistence the sync writes to.
type Store interface {
	InsertTrades(ctx context.Context, trades []model.MatchedTrade) (int, error)
	SetLastSync(ctx context.Context, userID int64, at time.Time) error
	SetAPIConnected(ctx context.Context, userID int64, connected bool) error
}

// Invalidator drops cached views of a user.
type Invalidator interface {
	InvalidateUser(ctx context.Context, telegramID string, userID int64, listings bool)
}

// Notifier is told about every finished sync.
type Notifier interface {
	SyncCompleted(userID int64, result model.SyncResult)
}

// Service orchestrates syncs. Syncs of different users may run concurrently;
// the service adds no per-user serialization.
type Service struct {
	gateway  Gateway
	vault    Decrypter
	store    Store
	cache    Invalidator
	notifier Notifier
	logger   *slog.Logger
	lookback time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLookback sets the window of the first sync.
func WithLookback(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier registers a listener for finished syncs.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a sync service.
func NewService(gw Gateway, v Decrypter, st Store, inv Invalidator, opts ...Option) *Service {
	s := &Service{
		gateway:  gw,
		vault:    v,
		store:    st,
		cache:    inv,
		logger:   slog.Default(),
		lookback: DefaultLookback,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncUser syncs one user. An exchange that rejects the credentials is not
// an error: the result carries status API_INVALID and the user is flagged as
// disconnected. On any error the watermark is left untouched.
func (s *Service) SyncUser(ctx context.Context, user *model.User) (*model.SyncResult, error) {
	if !user.HasCredentials() {
		return nil, ErrMissingCredentials
	}

	syncID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "syncer.SyncUser", trace.WithAttributes(
		attribute.String("sync.id", syncID),
		attribute.Int64("user.id", user.ID),
	))
	defer span.End()

	t0 := time.Now()
	started := s.now().UTC()
	logger := s.logger.With("sync_id", syncID, "user_id", user.ID)

	res, err := s.run(ctx, user, syncID, started)
	metrics.SyncDuration.Observe(time.Since(t0).Seconds())
	if err != nil {
		metrics.SyncsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "sync failed", "err", err)
		return nil, err
	}

	metrics.SyncsTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(
		attribute.String("sync.status", string(res.Status)),
		attribute.Int("sync.fetched", res.FetchedOrders),
		attribute.Int("sync.inserted", res.InsertedTrades),
	)
	logger.InfoContext(ctx, "sync completed",
		"status", res.Status,
		"fetched_orders", res.FetchedOrders,
		"inserted_trades", res.InsertedTrades,
	)
	if s.notifier != nil {
		s.notifier.SyncCompleted(user.ID, *res)
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, user *model.User, syncID string, started time.Time) (*model.SyncResult, error) {
	sinceMs := started.Add(-s.lookback).UnixMilli()
	if user.LastSync != nil {
		sinceMs = user.LastSync.UnixMilli()
	}

	creds, err := s.decrypt(user)
	if err != nil {
		return nil, err
	}

	fills, err := s.gateway.FetchFills(ctx, creds, sinceMs)
	if errors.Is(err, okx.ErrUnauthorized) {
		if err := s.store.SetAPIConnected(ctx, user.ID, false); err != nil {
			return nil, fmt.Errorf("flag api disconnected: %w", err)
		}
		s.cache.InvalidateUser(ctx, user.TelegramID, user.ID, false)
		return &model.SyncResult{SyncID: syncID, Status: model.SyncStatusAPIInvalid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch fills: %w", err)
	}
	metrics.FillsFetched.Add(float64(len(fills)))

	trades := matcher.Match(user.ID, fills)
	metrics.TradesMatched.Add(float64(len(trades)))

	inserted, err := s.store.InsertTrades(ctx, trades)
	if err != nil {
		return nil, fmt.Errorf("insert trades: %w", err)
	}
	metrics.TradesInserted.Add(float64(inserted))

	if err := s.store.SetLastSync(ctx, user.ID, started); err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}

	s.cache.InvalidateUser(ctx, user.TelegramID, user.ID, inserted > 0)

	return &model.SyncResult{
		SyncID:         syncID,
		FetchedOrders:  len(fills),
		InsertedTrades: inserted,
		Status:         model.SyncStatusOK,
	}, nil
}

func (s *Service) decrypt(user *model.User) (model.Credentials, error) {
	var creds model.Credentials
	var err error

	if creds.APIKey, err = s.vault.Decrypt(*user.EncryptedAPIKey); err != nil {
		return creds, fmt.Errorf("decrypt api key: %w", err)
	}
	if creds.SecretKey, err = s.vault.Decrypt(*user.EncryptedSecret); err != nil {
		return creds, fmt.Errorf("decrypt secret: %w", err)
	}
	if p := user.EncryptedPassphrase; p != nil && *p != "" {
		if creds.Passphrase, err = s.vault.Decrypt(*p); err != nil {
			return creds, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}
	return creds, nil
}
