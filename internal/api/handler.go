// Package api exposes the journal over HTTP: identity-gated JSON handlers
// and a WebSocket feed of finished syncs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pnljournal/journal-engine/internal/account"
	"github.com/pnljournal/journal-engine/internal/identity"
	"github.com/pnljournal/journal-engine/internal/instrument"
	"github.com/pnljournal/journal-engine/internal/model"
	"github.com/pnljournal/journal-engine/internal/okx"
	"github.com/pnljournal/journal-engine/internal/store"
	"github.com/pnljournal/journal-engine/internal/syncer"
)

// InitDataHeader carries the identity assertion on GET routes.
const InitDataHeader = "X-Telegram-Init-Data"

const maxBodyBytes = 1 << 20

type Accounts interface {
	Resolve(ctx context.Context, initData string) (*model.User, error)
	RegisterCredentials(ctx context.Context, user *model.User, creds model.Credentials) error
	RemoveCredentials(ctx context.Context, user *model.User) error
}

type Syncer interface {
	SyncUser(ctx context.Context, user *model.User) (*model.SyncResult, error)
}

type Trades interface {
	ListTrades(ctx context.Context, q model.TradeQuery) (*model.TradePage, error)
	GetOverview(ctx context.Context, userID int64, now time.Time) (*model.Overview, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the journal API.
type Handler struct {
	accounts Accounts
	syncer   Syncer
	trades   Trades
	pinger   Pinger
	hub      *Hub
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

func WithPinger(p Pinger) Option { return func(h *Handler) { h.pinger = p } }

func WithHub(hub *Hub) Option { return func(h *Handler) { h.hub = hub } }

// WithCacheTTL sets the TTL reported to clients after registration.
func WithCacheTTL(d time.Duration) Option { return func(h *Handler) { h.cacheTTL = d } }

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// NewHandler creates the API handler.
func NewHandler(acc Accounts, sy Syncer, tr Trades, opts ...Option) *Handler {
	h := &Handler{
		accounts: acc,
		syncer:   sy,
		trades:   tr,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/auth/telegram", h.AuthTelegram)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Ready)
		r.Post("/register", h.RegisterCredentials)
		r.Delete("/register", h.RemoveCredentials)
		r.Post("/sync", h.Sync)
		r.Get("/trades", h.ListTrades)
		r.Get("/overview", h.Overview)
		if h.hub != nil {
			r.Get("/ws", h.WebSocket)
		}
	})
}

// --- Request/Response types ---

type initDataRequest struct {
	InitData string `json:"initData"`
}

// RegisterRequest is the JSON body for POST /api/register.
type RegisterRequest struct {
	InitData   string `json:"initData"`
	APIKey     string `json:"apiKey"`
	SecretKey  string `json:"secretKey"`
	Passphrase string `json:"passphrase"`
}

// AuthResponse is returned from POST /auth/telegram.
type AuthResponse struct {
	HasAPI              bool `json:"hasApi"`
	OnboardingCompleted bool `json:"onboardingCompleted"`
}

// RegisterResponse is returned from POST and DELETE /api/register.
type RegisterResponse struct {
	OK              bool `json:"ok"`
	APIConnected    bool `json:"apiConnected"`
	CacheTTLSeconds int  `json:"cacheTtlSeconds,omitempty"`
}

// --- HTTP Handlers ---

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "journal-engine"})
}

// Ready handles GET /api/health and checks the store.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.ErrorContext(r.Context(), "health check failed", "err", err)
			writeError(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": h.now().UTC()})
}

// AuthTelegram handles POST /auth/telegram.
func (h *Handler) AuthTelegram(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromBody(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{
		HasAPI:              user.APIConnected && user.HasCredentials(),
		OnboardingCompleted: true,
	})
}

// RegisterCredentials handles POST /api/register.
func (h *Handler) RegisterCredentials(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.InitData) == "" {
		writeError(w, "initData is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" || strings.TrimSpace(req.SecretKey) == "" {
		writeError(w, "initData, apiKey, secretKey are required", http.StatusBadRequest)
		return
	}

	user, err := h.accounts.Resolve(r.Context(), strings.TrimSpace(req.InitData))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	err = h.accounts.RegisterCredentials(r.Context(), user, model.Credentials{
		APIKey:     req.APIKey,
		SecretKey:  req.SecretKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{
		OK:              true,
		APIConnected:    true,
		CacheTTLSeconds: int(h.cacheTTL / time.Second),
	})
}

// RemoveCredentials handles DELETE /api/register.
func (h *Handler) RemoveCredentials(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromBody(w, r)
	if !ok {
		return
	}
	if err := h.accounts.RemoveCredentials(r.Context(), user); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{OK: true, APIConnected: false})
}

// Sync handles POST /api/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromBody(w, r)
	if !ok {
		return
	}
	if !user.APIConnected || !user.HasCredentials() {
		writeError(w, "API keys are not connected", http.StatusBadRequest)
		return
	}

	res, err := h.syncer.SyncUser(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/trades?cursor=&limit=&symbol=.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromHeader(w, r)
	if !ok {
		return
	}

	q := model.TradeQuery{UserID: user.ID, Limit: store.DefaultPageLimit}

	if c := strings.TrimSpace(r.URL.Query().Get("cursor")); c != "" {
		cursor, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			writeError(w, "cursor must be ISO timestamp", http.StatusBadRequest)
			return
		}
		cursor = cursor.UTC()
		q.Cursor = &cursor
	}

	if l := strings.TrimSpace(r.URL.Query().Get("limit")); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	q.Limit = store.ClampLimit(q.Limit)

	symbol, err := instrument.Normalize(r.URL.Query().Get("symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q.Symbol = symbol

	page, err := h.trades.ListTrades(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Overview handles GET /api/overview.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromHeader(w, r)
	if !ok {
		return
	}
	ov, err := h.trades.GetOverview(r.Context(), user.ID, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// WebSocket handles GET /api/ws?initData=.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	initData := strings.TrimSpace(r.URL.Query().Get("initData"))
	if initData == "" {
		writeError(w, "initData is required", http.StatusUnauthorized)
		return
	}
	user, err := h.accounts.Resolve(r.Context(), initData)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hub.Serve(w, r, user.ID)
}

// --- helpers ---

func (h *Handler) userFromBody(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	var req initDataRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	initData := strings.TrimSpace(req.InitData)
	if initData == "" {
		writeError(w, "initData is required", http.StatusBadRequest)
		return nil, false
	}
	user, err := h.accounts.Resolve(r.Context(), initData)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return user, true
}

func (h *Handler) userFromHeader(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	initData := strings.TrimSpace(r.Header.Get(InitDataHeader))
	if initData == "" {
		writeError(w, "x-telegram-init-data header is required", http.StatusUnauthorized)
		return nil, false
	}
	user, err := h.accounts.Resolve(r.Context(), initData)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return user, true
}

// fail maps err to a status. Unknown errors are logged and hidden.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var exErr *okx.ExchangeError
	switch {
	case errors.Is(err, identity.ErrInvalidAssertion):
		writeError(w, "invalid Telegram initData", http.StatusUnauthorized)
	case errors.As(err, &exErr):
		writeError(w, exErr.Message, exErr.StatusCode)
	case errors.Is(err, syncer.ErrMissingCredentials),
		errors.Is(err, account.ErrMissingField),
		errors.Is(err, instrument.ErrInvalidInstrument):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
