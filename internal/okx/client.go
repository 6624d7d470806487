// Package okx is a read-only client for the OKX v5 REST API: it signs
// requests, retries transient failures with bounded exponential backoff and
// pages through the spot order history.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pnljournal/journal-engine/internal/metrics"
	"github.com/pnljournal/journal-engine/internal/model"
)

const (
	// DefaultBaseURL is the public OKX REST endpoint.
	DefaultBaseURL = "https://www.okx.com"

	balancePath       = "/api/v5/account/balance"
	ordersHistoryPath = "/api/v5/trade/orders-history"

	timestampLayout = "2006-01-02T15:04:05.000Z"
	maxBodyBytes    = 8 << 20
)

var tracer = otel.Tracer("github.com/pnljournal/journal-engine/internal/okx")

// Config bounds how the client talks to the exchange.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxRetries  int           // retries after the first attempt
	BackoffBase time.Duration // first wait; doubles after every retry
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Timeout:     10 * time.Second,
		MaxRetries:  3,
		BackoffBase: 300 * time.Millisecond,
	}
}

// Client issues signed GET requests on behalf of one set of credentials
// per call. It holds no per-user state and is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return cfg
}

// FetchBudget is the longest a FetchFills call can take when every page
// exhausts its retries: MaxPages pages, each with MaxRetries+1 timed-out
// attempts and the full backoff between them.
func (cfg Config) FetchBudget() time.Duration {
	cfg = cfg.withDefaults()
	attempts := time.Duration(cfg.MaxRetries + 1)
	backoff := cfg.BackoffBase * time.Duration(1<<cfg.MaxRetries-1)
	return MaxPages * (attempts*cfg.Timeout + backoff)
}

// NewClient creates a client. Zero config fields fall back to DefaultConfig.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign computes OK-ACCESS-SIGN: base64(HMAC-SHA256(secret, timestamp+method+requestPath)).
func Sign(secretKey, timestamp, method, requestPath string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(timestamp + method + requestPath))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateCredentials checks that creds can read the account balance and
// the spot order history.
func (c *Client) ValidateCredentials(ctx context.Context, creds model.Credentials) error {
	ctx, span := tracer.Start(ctx, "okx.ValidateCredentials")
	defer span.End()

	if err := c.get(ctx, creds, balancePath, nil, nil); err != nil {
		recordError(span, err)
		return err
	}

	q := url.Values{}
	q.Set("instType", instTypeSpot)
	q.Set("limit", "1")
	if err := c.get(ctx, creds, ordersHistoryPath, q, nil); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// get performs one logical request (with retries) and decodes the data
// field of the OKX envelope into out when out is non-nil.
func (c *Client) get(ctx context.Context, creds model.Credentials, path string, query url.Values, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	status, body, err := c.doWithRetry(ctx, creds, requestPath)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		return &ExchangeError{StatusCode: status, Message: "OKX unauthorized"}
	}
	if status < 200 || status > 299 {
		return &ExchangeError{StatusCode: status, Message: fmt.Sprintf("OKX request failed: %d", status)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("okx: decode %s: %w", path, err)
	}
	if env.Code != "" && env.Code != "0" {
		return newAPIError(env.Code, env.Msg)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx: decode %s data: %w", path, err)
		}
	}
	return nil
}

// doWithRetry runs at most MaxRetries+1 attempts. Network errors, timeouts
// and 5xx responses are retried; everything else is returned as is.
func (c *Client) doWithRetry(ctx context.Context, creds model.Credentials, requestPath string) (int, []byte, error) {
	var (
		status int
		body   []byte
		err    error
	)

	wait := c.cfg.BackoffBase
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.ExchangeRetriesTotal.Inc()
			c.logger.WarnContext(ctx, "okx request failed, retrying",
				"path", requestPath,
				"attempt", attempt,
				"status", status,
				"err", err,
				"wait", wait,
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}

		status, body, err = c.attempt(ctx, creds, requestPath)
		if err == nil && status < 500 {
			return status, body, nil
		}
		// The caller gave up; retrying cannot help.
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
	}

	if err != nil {
		return 0, nil, fmt.Errorf("okx: GET %s failed after %d attempts: %w", requestPath, c.cfg.MaxRetries+1, err)
	}
	return status, body, nil
}

// attempt sends one freshly signed request bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, creds model.Credentials, requestPath string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+requestPath, nil)
	if err != nil {
		return 0, nil, err
	}

	timestamp := c.now().UTC().Format(timestampLayout)
	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", Sign(creds.SecretKey, timestamp, http.MethodGet, requestPath))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ExchangeRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExchangeRequestsTotal.WithLabelValues("error").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()

	metrics.ExchangeRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
