// Package metrics provides Prometheus instrumentation for the journal engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncsTotal counts sync runs by outcome: OK, API_INVALID or error.
	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_syncs_total",
		Help: "Total number of trade sync runs",
	}, []string{"status"})

	// SyncDuration tracks end-to-end sync latency.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "journal_sync_duration_seconds",
		Help:    "Trade sync duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// FillsFetched counts fills accepted from the exchange.
	FillsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_fills_fetched_total",
		Help: "Filled spot orders fetched from the exchange",
	})

	// TradesMatched counts round trips produced by the lot matcher.
	TradesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_trades_matched_total",
		Help: "Matched round-trip trades produced by sync runs",
	})

	// TradesInserted counts matched trades that were new to the store.
	TradesInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_trades_inserted_total",
		Help: "Matched trades newly persisted (duplicates excluded)",
	})

	// ExchangeRequestsTotal counts exchange HTTP attempts by status code
	// ("error" for transport failures).
	ExchangeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_exchange_requests_total",
		Help: "Exchange HTTP request attempts",
	}, []string{"status"})

	// ExchangeRequestDuration tracks one exchange attempt.
	ExchangeRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "journal_exchange_request_duration_seconds",
		Help:    "Exchange HTTP attempt duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// ExchangeRetriesTotal counts retries after timeouts, network errors or 5xx.
	ExchangeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_exchange_retries_total",
		Help: "Exchange request retries",
	})

	// CacheInvalidationFailures counts swallowed cache errors.
	CacheInvalidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_cache_invalidation_failures_total",
		Help: "Cache invalidations that failed and were ignored",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "journal_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "journal_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
