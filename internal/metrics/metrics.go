// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts clearing house transitions by operation and
	// outcome ("ok" or "rejected").
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_transitions_total",
		Help: "Total number of clearing house transitions",
	}, []string{"op", "outcome"})

	// TransitionLatency tracks how long a transition holds the engine lock.
	TransitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_transition_latency_seconds",
		Help:    "Transition latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// EventsTotal counts committed events by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_events_total",
		Help: "Committed events by kind",
	}, []string{"kind"})

	// OpenMarkets tracks the number of markets not yet closed.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_markets",
		Help: "Number of markets that are open or closing",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// StaleTwapSkips counts best-effort twap updates that were skipped
	// because the twap was already current.
	StaleTwapSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_stale_twap_skips_total",
		Help: "Best-effort twap updates skipped as stale",
	})

	// PersistFailures counts write-through failures after a committed
	// transition.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_persist_failures_total",
		Help: "Store writes that failed after a committed transition",
	})

	// MarketVolume tracks cumulative quote notional traded per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_market_volume_total",
		Help: "Cumulative quote notional traded",
	}, []string{"market_id", "direction"})

	// BadDebt is the clearing house bad debt, in quote units.
	BadDebt = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_bad_debt",
		Help: "Accumulated losses not covered by trader collateral",
	})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the websocket upgrader take over connections behind the
// middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
