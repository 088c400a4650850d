// Package logging provides structured logging for the vector router.
//
// It wraps Zap with a Trace level below Debug, stderr/stdout and
// OpenTelemetry outputs, per-level sampling, and redaction of backend
// credentials. Router and adapter code takes the plain *zap.Logger from
// Logger.Underlying; request-scoped code uses the context-aware methods,
// which add trace, request and collection fields:
//
//	cfg, err := logging.ConfigFromEnv()
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithCollection(ctx, "docs")
//	logger.Info(ctx, "search served", zap.String("source", "qdrant@1"))
//
// Configuration comes from NewDefaultConfig overlaid with
// VECTOR_ROUTER_LOG_LEVEL, VECTOR_ROUTER_LOG_FORMAT,
// VECTOR_ROUTER_LOG_SAMPLING and VECTOR_ROUTER_LOG_OUTPUT.
//
// Connection parameters should be logged through Params, which masks any
// key naming a credential:
//
//	logger.Debug(ctx, "connecting", logging.Params("params", bc.ConnectionParams))
//
// Tests use TestLogger:
//
//	tl := logging.NewTestLogger()
//	r, _ := router.New(ctx, cfg, reg, router.WithLogger(tl.Underlying()))
//	tl.AssertLogged(t, zapcore.WarnLevel, "backend unavailable")
package logging
