// Package telemetry exports router traces over OTLP.
//
// Tracing is off unless VECTOR_ROUTER_OTEL_ENABLED=true. When enabled, New
// installs a batching TracerProvider as the global provider together with the
// W3C trace-context propagator, so spans started by the router and the HTTP
// server reach the collector and log entries carry trace IDs.
//
//	cfg, err := telemetry.ConfigFromEnv()
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Exporter failures never stop the router: New marks the instance degraded
// and leaves the no-op provider in place.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	r, _ := router.New(ctx, cfg, reg, router.WithTracerProvider(tt.TracerProvider()))
//	r.Search(ctx, req)
//	tt.AssertSpanExists(t, "router.Search")
package telemetry
