// Package metrics provides Prometheus instrumentation for the order book engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by side and type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_orders_placed_total",
		Help: "Total number of orders accepted into the book",
	}, []string{"side", "order_type"})

	// OrdersRejected counts placement requests refused, by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_orders_rejected_total",
		Help: "Order placements rejected before reaching the book",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	// Fills counts committed match steps, by position.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_fills_total",
		Help: "Total number of committed match steps",
	}, []string{"position"})

	// FilledShares tracks cumulative matched quantity per position.
	FilledShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_filled_shares_total",
		Help: "Cumulative matched quantity in shares",
	}, []string{"position"})

	// MatchLatency tracks the duration of a full matching run.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderbook_match_latency_seconds",
		Help:    "Matching run latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MatchAborts counts matching runs stopped by a failed step.
	MatchAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_match_aborts_total",
		Help: "Matching runs aborted by a store failure",
	})

	// Settlements counts settlement attempts by outcome ("settled" or "failed").
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_settlements_total",
		Help: "Settlement runs by outcome",
	}, []string{"outcome"})

	// PayoutFailures counts individual winner credits that were skipped.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderbook_payout_failures_total",
		Help: "Winner credits rolled back and skipped during settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderbook_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /api/v1/orders/{orderID})
// so ids never become label values.
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
