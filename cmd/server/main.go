package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pnljournal/journal-engine/internal/account"
	"github.com/pnljournal/journal-engine/internal/api"
	"github.com/pnljournal/journal-engine/internal/cache"
	"github.com/pnljournal/journal-engine/internal/config"
	"github.com/pnljournal/journal-engine/internal/identity"
	"github.com/pnljournal/journal-engine/internal/metrics"
	"github.com/pnljournal/journal-engine/internal/okx"
	"github.com/pnljournal/journal-engine/internal/store"
	"github.com/pnljournal/journal-engine/internal/syncer"
	"github.com/pnljournal/journal-engine/internal/tracing"
	"github.com/pnljournal/journal-engine/internal/vault"
)

const (
	serviceName           = "journal-engine"
	defaultRequestTimeout = 60 * time.Second
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: serviceName,
	})
	if err != nil {
		slog.Error("tracing init failed", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var primary store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		db := stdlib.OpenDBFromPool(pool)
		if err := store.Migrate(ctx, db); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		_ = db.Close()

		primary = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		primary = store.NewMemoryStore()
	}

	// --- Cache ---
	var c cache.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { _ = rdb.Close() })

		rc := cache.NewRedisCache(rdb)
		if err := rc.Ping(ctx); err != nil {
			// Reads fall through to the store while Redis is down.
			slog.Warn("redis unreachable at startup", "err", err)
		}
		c = rc
		slog.Info("Redis cache enabled")
	}
	gate := cache.NewGate(c, logger)
	st := store.NewCachedStore(primary, gate, cfg.CacheTTL)

	// --- Domain services ---
	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		slog.Error("vault init failed", "err", err)
		os.Exit(1)
	}
	verifier := identity.NewVerifier(cfg.TelegramBotToken, identity.WithMaxAge(cfg.IdentityMaxAge))
	okxCfg := okx.Config{
		BaseURL:     cfg.OKXBaseURL,
		Timeout:     cfg.OKXTimeout,
		MaxRetries:  cfg.OKXMaxRetries,
		BackoffBase: cfg.OKXBackoffBase,
	}
	exchange := okx.NewClient(okxCfg, okx.WithLogger(logger))

	hub := api.NewHub(cfg.FrontendURL, logger)
	go hub.Run(ctx)

	syncSvc := syncer.NewService(exchange, v, st, gate,
		syncer.WithLookback(cfg.SyncLookback),
		syncer.WithNotifier(hub),
		syncer.WithLogger(logger),
	)
	accounts := account.NewService(verifier, v, exchange, st, gate, cfg.UserCacheTTL, logger)

	h := api.NewHandler(accounts, syncSvc, st,
		api.WithPinger(st),
		api.WithHub(hub),
		api.WithCacheTTL(cfg.CacheTTL),
		api.WithLogger(logger),
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// A sync request must outlive the slowest possible exchange fetch.
	r.Use(middleware.Timeout(okxCfg.FetchBudget() + defaultRequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.FrontendURL))
	if cfg.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
	}

	r.Handle("/metrics", metrics.Handler())
	h.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("journal-engine listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down journal-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown error", "err", err)
	}
	slog.Info("journal-engine stopped")
}

// cors allows the configured frontend origin, or any origin when unset.
func cors(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.InitDataHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
