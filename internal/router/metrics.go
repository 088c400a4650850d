package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts backend calls made by the router.
	// Labels: kind, operation, result (success, error, panic)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorrouter",
			Subsystem: "router",
			Name:      "operations_total",
			Help:      "Total number of backend operations issued by the router",
		},
		[]string{"kind", "operation", "result"},
	)

	// OperationDuration tracks backend call latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vectorrouter",
			Subsystem: "router",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backend operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	// FallbackActivations counts searches answered by the fallback tier.
	// Labels: reason (primary_error, primary_empty, no_primary)
	FallbackActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorrouter",
			Subsystem: "router",
			Name:      "fallback_activations_total",
			Help:      "Total number of searches routed to a fallback backend",
		},
		[]string{"reason"},
	)

	// FanoutWidth records how many backends a parallel write reached.
	FanoutWidth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vectorrouter",
			Subsystem: "router",
			Name:      "fanout_width",
			Help:      "Number of backends targeted by a parallel write",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		},
	)

	// BackendConnected is 1 when an instance is usable for routing.
	// Labels: instance, tier
	BackendConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vectorrouter",
			Subsystem: "backend",
			Name:      "connected",
			Help:      "Whether the backend instance is connected (1) or not (0)",
		},
		[]string{"instance", "tier"},
	)

	// BackendHealthy reflects the last health check of an instance.
	// Labels: instance, tier
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vectorrouter",
			Subsystem: "backend",
			Name:      "healthy",
			Help:      "Result of the last health check (1=healthy, 0=unhealthy)",
		},
		[]string{"instance", "tier"},
	)

	// HealthCheckDuration tracks how long a HealthCheckAll round takes.
	HealthCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vectorrouter",
			Subsystem: "router",
			Name:      "health_check_duration_seconds",
			Help:      "Duration of health check rounds in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
