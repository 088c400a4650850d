package router

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

// DefaultConnectTimeout bounds each backend's Connect and initial listing.
const DefaultConnectTimeout = 10 * time.Second

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger. Adapters receive named children.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConnectTimeout sets the per-backend connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.connectTimeout = d
		}
	}
}

// WithPool overrides the fan-out pool size, which otherwise comes from
// MaxConcurrentOperations.
func WithPool(size int) Option {
	return func(r *Router) {
		if size > 0 {
			r.poolSize = size
		}
	}
}

// WithHealthInterval overrides the health monitor period, which otherwise
// comes from HealthCheckIntervalSeconds.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// WithTracerProvider sets the provider used for router spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		if tp != nil {
			r.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// OpOption adjusts a single routed call.
type OpOption func(*opSettings)

type opSettings struct {
	kind backend.Kind
}

// OnBackend pins the call to a connected instance of kind, bypassing
// priority selection and fallback.
func OnBackend(kind backend.Kind) OpOption {
	return func(s *opSettings) {
		s.kind = kind
	}
}

func applyOpOptions(opts []OpOption) opSettings {
	var s opSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
