// Package telemetry provides observability primitives for the control-plane
// service: Prometheus metrics and OpenTelemetry tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	FanoutOutcomes      *prometheus.CounterVec // labels: backend, op, result
	RollbacksTotal      *prometheus.CounterVec // labels: backend, direction
	RollbackFailures    *prometheus.CounterVec // labels: backend, direction
	CircuitBreakerState *prometheus.GaugeVec   // labels: backend, instance
	CircuitBreakerRejects *prometheus.CounterVec // labels: backend, instance
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "keyguard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyguard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		FanoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "fanout_outcomes_total",
			Help:      "Per-instance fan-out outcomes, by backend, operation and result.",
		}, []string{"backend", "op", "result"}),

		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "rollbacks_total",
			Help:      "Compensating rollbacks invoked after a partial fan-out failure.",
		}, []string{"backend", "direction"}),

		RollbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "rollback_failures_total",
			Help:      "Compensating operations that themselves failed (best-effort, swallowed).",
		}, []string{"backend", "direction"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyguard",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend instance (0=closed, 1=open, 2=half_open).",
		}, []string{"backend", "instance"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by circuit breaker, by backend instance.",
		}, []string{"backend", "instance"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.FanoutOutcomes,
		m.RollbacksTotal,
		m.RollbackFailures,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
