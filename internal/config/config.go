// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pnljournal/journal-engine/internal/vault"
)

// Config is the full process configuration.
type Config struct {
	Host        string
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables caching
	FrontendURL string // CORS and WebSocket origin; empty allows any

	TelegramBotToken string
	MasterKey        []byte
	IdentityMaxAge   time.Duration // 0 disables the auth_date check

	OKXBaseURL     string
	OKXTimeout     time.Duration
	OKXMaxRetries  int
	OKXBackoffBase time.Duration

	CacheTTL     time.Duration
	UserCacheTTL time.Duration
	SyncLookback time.Duration

	RateLimitPerMinute int
	TracingEnabled     bool
	LogLevel           slog.Level
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Load reads and validates the environment. Any malformed value is an error.
func Load() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Host:             getEnvString("HOST", "0.0.0.0"),
		Port:             getEnvString("PORT", "8000"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		FrontendURL:      strings.TrimSpace(os.Getenv("FRONTEND_URL")),
		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		OKXBaseURL:       strings.TrimRight(getEnvString("OKX_API_BASE_URL", "https://www.okx.com"), "/"),
	}

	if cfg.TelegramBotToken == "" {
		collect(errors.New("TELEGRAM_BOT_TOKEN is required"))
	}

	key, err := vault.ParseMasterKey(strings.TrimSpace(os.Getenv("MASTER_ENCRYPTION_KEY")))
	if err != nil {
		collect(fmt.Errorf("MASTER_ENCRYPTION_KEY: %w", err))
	}
	cfg.MasterKey = key

	if cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		collect(errors.New("DATABASE_URL must start with postgres:// or postgresql://"))
	}

	timeoutMs, err := getEnvInt("OKX_TIMEOUT_MS", 10000)
	collect(err)
	cfg.OKXTimeout = time.Duration(timeoutMs) * time.Millisecond

	cfg.OKXMaxRetries, err = getEnvInt("OKX_MAX_RETRIES", 3)
	collect(err)
	cfg.OKXBackoffBase, err = getEnvDuration("OKX_BACKOFF_BASE", 300*time.Millisecond)
	collect(err)

	cacheSeconds, err := getEnvInt("CACHE_TTL_SECONDS", 15)
	collect(err)
	cfg.CacheTTL = time.Duration(cacheSeconds) * time.Second

	userCacheSeconds, err := getEnvInt("USER_CACHE_TTL_SECONDS", 300)
	collect(err)
	cfg.UserCacheTTL = time.Duration(userCacheSeconds) * time.Second

	cfg.SyncLookback, err = getEnvDuration("SYNC_LOOKBACK", 30*24*time.Hour)
	collect(err)
	cfg.IdentityMaxAge, err = getEnvDuration("IDENTITY_MAX_AGE", 0)
	collect(err)

	cfg.RateLimitPerMinute, err = getEnvInt("RATE_LIMIT_PER_MINUTE", 60)
	collect(err)
	cfg.TracingEnabled, err = getEnvBool("TRACING_ENABLED", false)
	collect(err)

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			collect(fmt.Errorf("invalid LOG_LEVEL %q", lvl))
		}
	}

	if cfg.OKXTimeout <= 0 {
		collect(errors.New("OKX_TIMEOUT_MS must be positive"))
	}
	if cfg.SyncLookback <= 0 {
		collect(errors.New("SYNC_LOOKBACK must be positive"))
	}
	for name, v := range map[string]int{
		"OKX_MAX_RETRIES":        cfg.OKXMaxRetries,
		"CACHE_TTL_SECONDS":      cacheSeconds,
		"USER_CACHE_TTL_SECONDS": userCacheSeconds,
		"RATE_LIMIT_PER_MINUTE":  cfg.RateLimitPerMinute,
	} {
		if v < 0 {
			collect(fmt.Errorf("%s must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %q", key, value)
		}
		return intValue, nil
	}
	return defaultValue, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid boolean for %s: %q", key, value)
		}
		return boolValue, nil
	}
	return defaultValue, nil
}
