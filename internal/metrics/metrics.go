// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// EngineCallsTotal counts engine operations by name and outcome.
	EngineCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_engine_calls_total",
		Help: "Total engine operations, partitioned by operation and outcome",
	}, []string{"operation", "outcome"})

	// SimulationLatency tracks wall time of Monte Carlo runs.
	SimulationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_risk_simulation_latency_seconds",
		Help:    "Monte Carlo run latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// SimulatedTrials counts individual bankroll trajectories.
	SimulatedTrials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_risk_simulated_trials_total",
		Help: "Total Monte Carlo trials simulated",
	})

	// SimulationsInFlight tracks runs holding a concurrency slot.
	SimulationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_risk_simulations_in_flight",
		Help: "Monte Carlo runs currently executing",
	})

	// AllocationScore observes the best score of each allocator run.
	AllocationScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_risk_allocation_score",
		Help:    "Edge-weighted score of returned allocations",
		Buckets: []float64{-20, -10, -5, 0, 2, 5, 10, 20, 50},
	})

	// LimitViolations counts exposure limit violations by scope.
	LimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_limit_violations_total",
		Help: "Allocation exposure limit violations",
	}, []string{"scope"})

	// RecordsPruned counts history records removed by retention.
	RecordsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_risk_records_pruned_total",
		Help: "Simulation and allocation records removed by retention",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_risk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_risk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Outcome labels for EngineCallsTotal.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so IDs in the URL do not
// create a label per record.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
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

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
