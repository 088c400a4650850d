package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorrouter",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, endpoint and status code",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vectorrouter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"method", "endpoint"},
	)

	activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vectorrouter",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently being served",
		},
	)
)

// MetricsMiddleware records request count, latency and in-flight requests.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			activeRequests.Inc()
			defer activeRequests.Dec()

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			method := c.Request().Method
			endpoint := normalizePath(c.Path())
			requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(c.Response().Status)).Inc()
			requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// normalizePath maps unmatched requests to a single label so unknown URLs
// cannot grow the series count. Registered routes have no parameters.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
