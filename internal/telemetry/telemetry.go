package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the process tracer and logger providers.
type Telemetry struct {
	config   *Config
	provider *sdktrace.TracerProvider
	logs     *sdklog.LoggerProvider

	degraded atomic.Bool
	reason   atomic.Value
	shutdown atomic.Bool
}

// HealthStatus reports whether exporting works.
type HealthStatus struct {
	Enabled  bool   `json:"enabled"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// New validates cfg and, when enabled, installs an OTLP tracer provider and
// the W3C propagators globally and builds an OTLP logger provider for the
// zap bridge. Only an invalid config is an error; exporter setup failures
// leave the instance degraded.
func New(ctx context.Context, cfg *Config, opts ...TracerProviderOption) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	var settings providerSettings
	for _, opt := range opts {
		opt(&settings)
	}

	tp, err := newTracerProvider(ctx, cfg, settings)
	if err != nil {
		t.setDegraded(err)
		return t, nil
	}
	t.provider = tp
	if t.logs, err = newLoggerProvider(ctx, cfg, settings); err != nil {
		t.setDegraded(err)
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// TracerProvider returns the installed provider, or a no-op provider when
// tracing is disabled or degraded.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.provider == nil {
		return noop.NewTracerProvider()
	}
	return t.provider
}

// LoggerProvider returns the OTLP logger provider, or nil when export is
// disabled or degraded.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.logs == nil || t.shutdown.Load() {
		return nil
	}
	return t.logs
}

// Tracer returns a tracer for the given instrumentation scope.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.TracerProvider().Tracer(name, opts...)
}

// Enabled reports whether spans are being exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.provider != nil && !t.shutdown.Load()
}

// Health returns the current telemetry status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{}
	}
	h := HealthStatus{Enabled: t.Enabled(), Degraded: t.degraded.Load()}
	if r, ok := t.reason.Load().(string); ok {
		h.Reason = r
	}
	return h
}

// ForceFlush exports pending spans and log records.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	err := t.provider.ForceFlush(ctx)
	if t.logs != nil {
		err = errors.Join(err, t.logs.ForceFlush(ctx))
	}
	return err
}

// Shutdown flushes and stops the provider. Without a deadline on ctx the
// configured shutdown timeout applies. Later calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil || !t.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownAfter.Duration())
		defer cancel()
	}
	var errs []error
	if err := t.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
	}
	if t.logs != nil {
		if err := t.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.reason.Store(err.Error())
}
