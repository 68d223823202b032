// Package metrics provides Prometheus instrumentation for the staking engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// OperationsTotal counts engine operations by type and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_operations_total",
		Help: "Total number of staking operations processed",
	}, []string{"op", "outcome"})

	// OperationLatency tracks how long each operation holds the engine lock.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staking_operation_latency_seconds",
		Help:    "Staking operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TransferredTotal accumulates token units moved through pool escrows.
	TransferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_transferred_units_total",
		Help: "Cumulative token units moved by deposits, withdrawals and claims",
	}, []string{"op"})

	// TransferReverts counts transfers rolled back after a failed commit.
	TransferReverts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_transfer_reverts_total",
		Help: "Ledger transfers reverted because the commit failed",
	})

	// CacheInvalidationFailures counts commits whose cache generation could
	// not be advanced after the primary write.
	CacheInvalidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_cache_invalidation_failures_total",
		Help: "Redis cache generation bumps that failed after a committed write",
	})

	// ActivePools tracks the number of initialized pools across registries.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staking_active_pools",
		Help: "Number of initialized pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staking_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staking_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the outcome and latency of one engine operation.
func ObserveOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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

		// Route pattern keeps the path label low-cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
