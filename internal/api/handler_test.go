package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pnljournal/journal-engine/internal/account"
	"github.com/pnljournal/journal-engine/internal/api"
	"github.com/pnljournal/journal-engine/internal/identity"
	"github.com/pnljournal/journal-engine/internal/model"
	"github.com/pnljournal/journal-engine/internal/okx"
	"github.com/pnljournal/journal-engine/internal/store"
	"github.com/pnljournal/journal-engine/internal/vault"
)

const botToken = "777:api-test-token"

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeExchange struct {
	err error
}

func (f *fakeExchange) ValidateCredentials(context.Context, model.Credentials) error {
	return f.err
}

type fakeSyncer struct {
	result *model.SyncResult
	err    error
	users  []int64
}

func (f *fakeSyncer) SyncUser(_ context.Context, u *model.User) (*model.SyncResult, error) {
	f.users = append(f.users, u.ID)
	return f.result, f.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

type testEnv struct {
	router   chi.Router
	store    *store.MemoryStore
	exchange *fakeExchange
	syncer   *fakeSyncer
	hub      *api.Hub
}

func newTestEnv(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New([]byte(strings.Repeat("v", vault.KeySize)))
	if err != nil {
		t.Fatal(err)
	}

	e := &testEnv{
		store:    store.NewMemoryStore(),
		exchange: &fakeExchange{},
		syncer:   &fakeSyncer{result: &model.SyncResult{SyncID: "s-1", FetchedOrders: 2, InsertedTrades: 1, Status: model.SyncStatusOK}},
	}
	e.hub = api.NewHub("", logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.hub.Run(ctx)

	accounts := account.NewService(identity.NewVerifier(botToken), v, e.exchange, e.store, nil, time.Minute, logger)
	opts = append([]api.Option{
		api.WithLogger(logger),
		api.WithClock(func() time.Time { return now }),
		api.WithCacheTTL(15 * time.Second),
		api.WithPinger(e.store),
		api.WithHub(e.hub),
	}, opts...)
	h := api.NewHandler(accounts, e.syncer, e.store, opts...)

	r := chi.NewRouter()
	h.Routes(r)
	e.router = r
	return e
}

func initData(telegramID int64) string {
	values := url.Values{}
	values.Set("auth_date", "1700000000")
	values.Set("user", `{"id":`+strconv.FormatInt(telegramID, 10)+`,"username":"u`+strconv.FormatInt(telegramID, 10)+`"}`)
	values.Set("hash", identity.Sign(botToken, values))
	return values.Encode()
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(api.InitDataHeader, header)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, telegramID int64) *model.User {
	t.Helper()
	w := e.do(t, "POST", "/api/register", api.RegisterRequest{
		InitData: initData(telegramID), APIKey: "key", SecretKey: "secret",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	u, err := e.store.UpsertUserByTelegramID(context.Background(), strconv.FormatInt(telegramID, 10), nil)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

// --- Auth ---

func TestAuthTelegram(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/auth/telegram", map[string]string{"initData": initData(10)}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.AuthResponse](t, w)
	if resp.HasAPI || !resp.OnboardingCompleted {
		t.Errorf("unexpected response: %+v", resp)
	}

	e.register(t, 10)
	w = e.do(t, "POST", "/auth/telegram", map[string]string{"initData": initData(10)}, "")
	if resp := decodeBody[api.AuthResponse](t, w); !resp.HasAPI {
		t.Errorf("expected hasApi after registration")
	}
}

func TestAuthTelegram_Errors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing initData", map[string]string{}, http.StatusBadRequest},
		{"blank initData", map[string]string{"initData": "   "}, http.StatusBadRequest},
		{"tampered", map[string]string{"initData": initData(10) + "0"}, http.StatusUnauthorized},
		{"garbage", map[string]string{"initData": "%%%"}, http.StatusUnauthorized},
		{"not json", "plain", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/auth/telegram", tt.body, "")
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Credentials ---

func TestRegister(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/register", api.RegisterRequest{
		InitData: initData(20), APIKey: "key", SecretKey: "secret", Passphrase: "pp",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.RegisterResponse](t, w)
	if !resp.OK || !resp.APIConnected || resp.CacheTTLSeconds != 15 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	e := newTestEnv(t)

	for _, req := range []api.RegisterRequest{
		{APIKey: "k", SecretKey: "s"},
		{InitData: initData(1), SecretKey: "s"},
		{InitData: initData(1), APIKey: "k", SecretKey: " "},
	} {
		w := e.do(t, "POST", "/api/register", req, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %+v, got %d", req, w.Code)
		}
	}
}

func TestRegister_ExchangeRejects(t *testing.T) {
	e := newTestEnv(t)
	e.exchange.err = &okx.ExchangeError{StatusCode: http.StatusUnauthorized, Code: "50113", Message: "Invalid OK-ACCESS-KEY"}

	w := e.do(t, "POST", "/api/register", api.RegisterRequest{
		InitData: initData(21), APIKey: "k", SecretKey: "s",
	}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if body := decodeBody[map[string]string](t, w); body["error"] != "Invalid OK-ACCESS-KEY" {
		t.Errorf("expected exchange message, got %q", body["error"])
	}
}

func TestRemoveCredentials(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, 30)

	w := e.do(t, "DELETE", "/api/register", map[string]string{"initData": initData(30)}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody[api.RegisterResponse](t, w); !resp.OK || resp.APIConnected {
		t.Errorf("unexpected response: %+v", resp)
	}
	got, _ := e.store.User(u.ID)
	if got.HasCredentials() {
		t.Error("expected credentials cleared")
	}
}

// --- Sync ---

func TestSync(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, 40)

	w := e.do(t, "POST", "/api/sync", map[string]string{"initData": initData(40)}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeBody[model.SyncResult](t, w)
	if res.Status != model.SyncStatusOK || res.InsertedTrades != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(e.syncer.users) != 1 || e.syncer.users[0] != u.ID {
		t.Errorf("expected sync of user %d, got %v", u.ID, e.syncer.users)
	}
}

func TestSync_NotConnected(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/sync", map[string]string{"initData": initData(41)}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(e.syncer.users) != 0 {
		t.Error("syncer must not run without credentials")
	}
}

func TestSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exchange 5xx", &okx.ExchangeError{StatusCode: http.StatusBadGateway, Message: "OKX request failed: 502"}, http.StatusBadGateway},
		{"exchange 4xx", &okx.ExchangeError{StatusCode: http.StatusBadRequest, Code: "51000", Message: "bad"}, http.StatusBadRequest},
		{"corrupt envelope", vault.ErrInvalidCiphertext, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.register(t, 42)
			e.syncer.result, e.syncer.err = nil, tt.err

			w := e.do(t, "POST", "/api/sync", map[string]string{"initData": initData(42)}, "")
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusInternalServerError {
				if body := decodeBody[map[string]string](t, w); body["error"] != "internal server error" {
					t.Errorf("internal errors must be hidden, got %q", body["error"])
				}
			}
		})
	}
}

// --- Trades and overview ---

func seedTrades(t *testing.T, e *testEnv, userID int64, n int) {
	t.Helper()
	var batch []model.MatchedTrade
	for i := 0; i < n; i++ {
		symbol := "BTC-USDT"
		if i%2 == 1 {
			symbol = "ETH-USDT"
		}
		batch = append(batch, model.MatchedTrade{
			UserID: userID, Symbol: symbol,
			EntryPrice: d("100"), ExitPrice: d("110"), Quantity: d("1"),
			BuyTotal: d("100"), SellTotal: d("110"), PnL: d("10"), PnLPercent: d("10"),
			EntryTime: now.Add(-48 * time.Hour),
			ExitTime:  now.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	if _, err := e.store.InsertTrades(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
}

func TestListTrades(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, 50)
	seedTrades(t, e, u.ID, 5)

	w := e.do(t, "GET", "/api/trades?limit=2", nil, initData(50))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	page := decodeBody[model.TradePage](t, w)
	if len(page.Trades) != 2 || !page.HasMore || page.NextCursor == nil {
		t.Fatalf("unexpected page: %+v", page)
	}

	next := e.do(t, "GET", "/api/trades?limit=2&cursor="+url.QueryEscape(page.NextCursor.Format(time.RFC3339Nano)), nil, initData(50))
	page2 := decodeBody[model.TradePage](t, next)
	if len(page2.Trades) != 2 || !page2.Trades[0].ExitTime.Before(page.Trades[1].ExitTime) {
		t.Errorf("cursor did not advance: %+v", page2)
	}

	filtered := e.do(t, "GET", "/api/trades?symbol=eth-usdt", nil, initData(50))
	fp := decodeBody[model.TradePage](t, filtered)
	if len(fp.Trades) != 2 {
		t.Errorf("expected 2 ETH trades, got %d", len(fp.Trades))
	}
	for _, tr := range fp.Trades {
		if tr.Symbol != "ETH-USDT" {
			t.Errorf("unexpected symbol %s", tr.Symbol)
		}
	}
}

func TestListTrades_Validation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/api/trades", "", http.StatusUnauthorized},
		{"bad header", "/api/trades", "hash=00", http.StatusUnauthorized},
		{"bad cursor", "/api/trades?cursor=yesterday", initData(51), http.StatusBadRequest},
		{"bad limit", "/api/trades?limit=ten", initData(51), http.StatusBadRequest},
		{"bad symbol", "/api/trades?symbol=BTC_USDT", initData(51), http.StatusBadRequest},
		{"huge limit clamped", "/api/trades?limit=1000", initData(51), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "GET", tt.path, nil, tt.header)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestOverview(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, 60)
	seedTrades(t, e, u.ID, 7)

	w := e.do(t, "GET", "/api/overview", nil, initData(60))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ov := decodeBody[model.Overview](t, w)
	if !ov.TotalPnL.Equal(d("70")) || !ov.TodayPnL.Equal(d("70")) || ov.TradesCount != 7 || len(ov.RecentTrades) != 5 {
		t.Errorf("unexpected overview: %+v", ov)
	}
}

func TestResponsesUseCamelCaseKeys(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, 61)
	seedTrades(t, e, u.ID, 3)

	hasKeys := func(t *testing.T, obj map[string]any, keys ...string) {
		t.Helper()
		for _, k := range keys {
			if _, ok := obj[k]; !ok {
				t.Errorf("missing key %q in %v", k, obj)
			}
		}
	}

	ov := decodeBody[map[string]any](t, e.do(t, "GET", "/api/overview", nil, initData(61)))
	hasKeys(t, ov, "totalBalance", "totalPnl", "todayPnl", "tradesCount", "recentTrades")
	if ov["totalBalance"] != "0" {
		t.Errorf("expected totalBalance \"0\", got %v", ov["totalBalance"])
	}

	page := decodeBody[map[string]any](t, e.do(t, "GET", "/api/trades?limit=2", nil, initData(61)))
	hasKeys(t, page, "trades", "hasMore", "nextCursor")
	trades, _ := page["trades"].([]any)
	if len(trades) == 0 {
		t.Fatalf("expected trades, got %v", page)
	}
	first, _ := trades[0].(map[string]any)
	hasKeys(t, first, "entryPrice", "exitPrice", "buyTotal", "sellTotal", "pnlPercent", "entryTime", "exitTime")
}

// --- Health ---

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, "GET", "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	down := newTestEnv(t, api.WithPinger(failingPinger{}))
	if w := down.do(t, "GET", "/api/health", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
