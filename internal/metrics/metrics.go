// Package metrics provides Prometheus instrumentation for the assistant.
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
	// FillEventsTotal counts broker order events by reconciliation outcome.
	FillEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullwise_fill_events_total",
		Help: "Broker order events processed, by status and outcome",
	}, []string{"status", "outcome"})

	// LookupRetries counts extra attempts spent waiting for a ledger row.
	LookupRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bullwise_order_lookup_retries_total",
		Help: "Retries spent resolving an event tag to a ledger order",
	})

	// OrdersSubmitted counts orders acknowledged by the broker.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullwise_orders_submitted_total",
		Help: "Orders acknowledged by the broker, by side and type",
	}, []string{"side", "type"})

	// BrokerErrors counts failed broker calls by operation.
	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullwise_broker_errors_total",
		Help: "Failed broker calls",
	}, []string{"operation"})

	// OpenPositions tracks positions currently held.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bullwise_open_positions",
		Help: "Number of open positions",
	})

	// WebSocketClients tracks connected UI clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bullwise_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastsDropped counts notifications dropped because the hub buffer was full.
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bullwise_broadcasts_dropped_total",
		Help: "Broadcast messages dropped on a full buffer",
	})

	// SweepDuration tracks the periodic collect and stop sweep.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bullwise_sweep_duration_seconds",
		Help:    "Duration of the periodic collect and stop-loss sweep",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullwise_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bullwise_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by the matched chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// route pattern keeps label cardinality bounded
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
