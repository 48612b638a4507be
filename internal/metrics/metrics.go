// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersTotal counts placed orders by instrument class and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Total number of orders placed",
	}, []string{"class", "outcome"})

	// OrderLatency tracks order placement latency, lock wait included.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	// RiskRejections counts orders rejected by pre-trade checks.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_rejections_total",
		Help: "Orders rejected by pre-trade risk checks",
	}, []string{"reason"})

	// TicksReceived counts well-formed ticks read from the price feed.
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_feed_ticks_total",
		Help: "Ticks received from the price feed",
	})

	// TicksMalformed counts feed messages that could not be parsed.
	TicksMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_feed_ticks_malformed_total",
		Help: "Malformed ticks dropped by the feed",
	})

	// TicksDropped counts ticks dropped because a mark-to-market queue was full.
	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_mtm_ticks_dropped_total",
		Help: "Ticks dropped on full mark-to-market queues",
	})

	// FeedReconnects counts reconnect attempts of the price feed.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_feed_reconnects_total",
		Help: "Price feed reconnect attempts",
	})

	// SubscribedSymbols tracks the size of the feed subscription set.
	SubscribedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_feed_subscribed_symbols",
		Help: "Number of symbols subscribed on the price feed",
	})

	// MarginCalls counts margin-call events.
	MarginCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_margin_calls_total",
		Help: "Margin calls raised by mark-to-market",
	})

	// Liquidations counts positions force-closed by mark-to-market.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_liquidations_total",
		Help: "Positions liquidated by mark-to-market",
	})

	// Settlements counts expired positions closed, by history action.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_settlements_total",
		Help: "Expired positions settled",
	}, []string{"action"})

	// LedgerViolations counts ledger invariant violations. Any non-zero
	// value is a bug.
	LedgerViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ledger_invariant_violations_total",
		Help: "Ledger invariant violations detected",
	})

	// NotificationFailures counts failed outbound notifications by sender.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_notification_failures_total",
		Help: "Failed outbound notifications",
	}, []string{"sender"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern to keep ids out of label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
