package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values for broker call outcomes
const (
	BrokerErrorTimeout      = "timeout"
	BrokerErrorRateLimit    = "rate_limit"
	BrokerErrorAuth         = "authentication"
	BrokerErrorDisconnected = "disconnected"
	BrokerErrorCircuitOpen  = "circuit_open"
	BrokerErrorInvalidReq   = "invalid_request"
	BrokerErrorOther        = "other"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// NormalizeBrokerError maps arbitrary broker errors to a bounded label set
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return BrokerErrorTimeout
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(errStr, "circuit breaker"):
		return BrokerErrorCircuitOpen
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return BrokerErrorAuth
	case strings.Contains(errStr, "connect") || strings.Contains(errStr, "connection"):
		return BrokerErrorDisconnected
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return BrokerErrorInvalidReq
	default:
		return BrokerErrorOther
	}
}

// Order lifecycle metrics
var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_orders_submitted_total",
		Help: "Orders acknowledged by the broker",
	}, []string{"side", "kind"})

	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_orders_failed_total",
		Help: "Orders rejected before or during submission",
	}, []string{"reason"})

	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_orders_filled_total",
		Help: "Orders that reached FILLED",
	}, []string{"source"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equityfunk_orders_cancelled_total",
		Help: "Orders cancelled",
	})

	OrderSubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "equityfunk_order_submit_latency_ms",
		Help:    "Latency from validation to broker acknowledgement in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
)

// Reconciliation metrics
var (
	ReconciliationMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_reconciliation_matches_total",
		Help: "Orders matched to broker trades, by tier",
	}, []string{"tier"})

	ReconciliationUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equityfunk_reconciliation_unmatched_total",
		Help: "Open orders without a matching broker trade during a sweep",
	})

	ReconciliationSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_reconciliation_sweeps_total",
		Help: "Bulk reconciliation sweeps",
	}, []string{"result"})
)

// Auto-trader metrics
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equityfunk_active_sessions",
		Help: "Number of running auto-trader sessions",
	})

	SessionCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_session_cycles_total",
		Help: "Auto-trader cycles by outcome",
	}, []string{"outcome"})

	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_signals_total",
		Help: "Signals produced by the generator",
	}, []string{"signal"})

	SessionPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "equityfunk_session_position",
		Help: "Tracked position per session",
	}, []string{"session_id", "symbol"})
)

// Broker and infrastructure metrics
var (
	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_broker_calls_total",
		Help: "Broker gateway calls by operation and result",
	}, []string{"operation", "result"})

	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_broker_errors_total",
		Help: "Broker gateway errors by operation and category",
	}, []string{"operation", "category"})

	BrokerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equityfunk_broker_latency_ms",
		Help:    "Broker gateway call latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"operation"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "equityfunk_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"service"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_api_requests_total",
		Help: "HTTP API requests",
	}, []string{"method", "path", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equityfunk_api_request_duration_ms",
		Help:    "HTTP API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path"})

	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_cache_operations_total",
		Help: "Price cache operations by result",
	}, []string{"operation", "result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equityfunk_events_published_total",
		Help: "Lifecycle events published by subject kind and result",
	}, []string{"kind", "result"})
)

// RecordBrokerCall records one broker gateway call
func RecordBrokerCall(operation string, durationMs float64, err error) {
	BrokerLatency.WithLabelValues(operation).Observe(durationMs)
	if err != nil {
		BrokerCalls.WithLabelValues(operation, ResultFailure).Inc()
		BrokerErrors.WithLabelValues(operation, NormalizeBrokerError(err)).Inc()
		return
	}
	BrokerCalls.WithLabelValues(operation, ResultSuccess).Inc()
}

// RecordAPIRequest records API request metrics
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequests.WithLabelValues(method, path, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(durationMs)
}

// SetCircuitBreakerState publishes a breaker state as 0, 1 or 2
func SetCircuitBreakerState(service string, state int) {
	CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}
