// Package main implements vrouter, the operator CLI for the vector storage
// router: inspect status and health, manage collections, print the effective
// configuration, and serve the status API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/adapters"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries the global flags and the objects built from them.
type app struct {
	configPath string
	logLevel   string
	jsonOutput bool

	logCfg   *logging.Config
	logger   *logging.Logger
	registry *backend.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "vrouter",
		Short: "Operate the vector storage router",
		Long: `vrouter loads the router configuration, connects the configured backends
and reports on them.

The configuration file is taken from --config, then $VECTOR_ROUTER_CONFIG, then
~/.config/vectorrouter/router.yaml. A missing or invalid file falls back to a
configuration synthesized from QDRANT_*, CHROMA_* and VECTOR_ROUTER_INDEX_DIR.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), a.logger))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "router config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print JSON instead of text")

	root.AddCommand(
		newStatusCmd(a),
		newHealthCmd(a),
		newCollectionsCmd(a),
		newSearchCmd(a),
		newConfigCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := logging.ConfigFromEnv()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		level, err := logging.LevelFromString(a.logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
		}
		cfg.Level = level
	}
	a.logCfg = cfg

	// The otel output has no provider until serve starts telemetry.
	boot := *cfg
	if !boot.Output.Stdout && !boot.Output.Stderr {
		boot.Output.Stderr = true
	}
	if a.logger, err = logging.NewLogger(&boot, nil); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.registry = adapters.NewRegistry(a.logger.Underlying())
	return nil
}

// attachLogExport rebuilds the logger with lp when the otel output is
// enabled. A nil provider leaves the logger unchanged.
func (a *app) attachLogExport(lp log.LoggerProvider) error {
	if lp == nil || a.logCfg == nil || !a.logCfg.Output.OTEL {
		return nil
	}
	logger, err := logging.NewLogger(a.logCfg, lp)
	if err != nil {
		return fmt.Errorf("failed to attach log export: %w", err)
	}
	a.logger = logger
	a.registry = adapters.NewRegistry(logger.Underlying())
	return nil
}

func (a *app) zap() *zap.Logger {
	return a.logger.Underlying()
}

// loadConfig loads the router configuration the way the library does.
func (a *app) loadConfig() *config.RouterConfig {
	return config.Load(a.configPath, a.zap())
}

// withRouter builds a router, runs fn and closes the router.
func (a *app) withRouter(ctx context.Context, fn func(*router.Router) error) error {
	r, err := router.New(ctx, a.loadConfig(), a.registry, router.WithLogger(a.zap()))
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}
	defer func() {
		if err := r.Close(context.WithoutCancel(ctx)); err != nil {
			a.zap().Warn("errors while closing router", zap.Error(err))
		}
	}()
	return fn(r)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
