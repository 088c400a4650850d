package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/vectorrouter/internal/http"
	"github.com/fyrsmithlabs/vectorrouter/internal/lifecycle"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
	"github.com/fyrsmithlabs/vectorrouter/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		host            string
		port            int
		watch           bool
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and keep the router connected",
		Long: `Connect the router, run the background health monitor and serve
/health, /api/v1/status, /api/v1/backends/health, /api/v1/collections,
POST /api/v1/reload and /metrics until interrupted. With --watch the router is
rebuilt whenever the config file changes.

Examples:
  vrouter serve --port 9091
  vrouter serve --config /etc/vectorrouter/router.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := a.zap()

			tel, err := startTelemetry(ctx, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("errors while flushing telemetry", zap.Error(err))
				}
			}()
			if err := a.attachLogExport(tel.LoggerProvider()); err != nil {
				return err
			}
			logger = a.zap()

			manager := lifecycle.NewManager(
				lifecycle.FileBuilder(a.configPath, a.registry, logger,
					router.WithTracerProvider(tel.TracerProvider())),
				lifecycle.WithLogger(logger),
				lifecycle.WithHealthMonitor(),
			)
			defer func() {
				if err := manager.Shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("errors while shutting down router", zap.Error(err))
				}
			}()

			r, err := manager.Get(ctx)
			if err != nil {
				return err
			}
			logStartup(logger, r)

			if watch {
				w, err := lifecycle.NewWatcher(a.configPath, manager, lifecycle.WithWatcherLogger(logger))
				if err != nil {
					return err
				}
				w.Start(ctx)
				defer w.Stop()
			}

			srv, err := httpserver.NewServer(manager, logger, &httpserver.Config{Host: host, Port: port})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
				logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 9091, "listen port")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the router when the config file changes")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	return cmd
}

// startTelemetry enables OTLP trace export from VECTOR_ROUTER_OTEL_*. A
// collector that cannot be reached only degrades tracing.
func startTelemetry(ctx context.Context, logger *zap.Logger) (*telemetry.Telemetry, error) {
	cfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn("trace export unavailable", zap.String("reason", h.Reason))
	} else if h.Enabled {
		logger.Info("trace export enabled",
			zap.String("endpoint", cfg.Endpoint),
			zap.String("protocol", cfg.Protocol),
			zap.Float64("sample_rate", cfg.SampleRate))
	}
	return tel, nil
}

func logStartup(logger *zap.Logger, r *router.Router) {
	rep := r.Status()
	logger.Info("vector router serving",
		zap.String("config", rep.Source),
		zap.String("active_primary", rep.ActivePrimary),
		zap.String("active_fallback", rep.ActiveFallback),
		zap.Int("connected", rep.Connected()),
		zap.Int("instances", len(rep.Backends)))
}
