// Package http serves the router's operator endpoints: liveness, status,
// backend health, reload and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/lifecycle"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

// Server provides HTTP endpoints over a lifecycle.Manager.
type Server struct {
	echo    *echo.Echo
	manager *lifecycle.Manager
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(manager *lifecycle.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("router manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9091,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), requestID)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)...)
			return err
		}
	})
	e.Use(MetricsMiddleware())

	s := &Server{
		echo:    e,
		manager: manager,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/backends/health", s.handleBackendsHealth)
	v1.GET("/collections", s.handleCollections)
	v1.POST("/reload", s.handleReload)
}

// current returns the manager's router, building it if needed.
func (s *Server) current(c echo.Context) (*router.Router, error) {
	r, err := s.manager.Get(c.Request().Context())
	if err != nil {
		s.logger.Warn("router unavailable", zap.Error(err))
		if errors.Is(err, lifecycle.ErrClosed) {
			return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "router is shut down")
		}
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "router unavailable")
	}
	return r, nil
}

// handleHealth reports "ok" while at least one backend instance is
// connected and "unavailable" with 503 otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	r, err := s.current(c)
	if err != nil {
		return err
	}
	rep := r.Status()
	resp := HealthResponse{
		Status:        "ok",
		Connected:     rep.Connected(),
		Instances:     len(rep.Backends),
		ActivePrimary: rep.ActivePrimary,
	}
	if resp.Connected == 0 {
		resp.Status = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	if rep.ActivePrimary == "" {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	r, err := s.current(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Report:     r.Status(),
		Generation: s.manager.Generation(),
	})
}

func (s *Server) handleBackendsHealth(c echo.Context) error {
	r, err := s.current(c)
	if err != nil {
		return err
	}
	results := r.HealthCheckAll(c.Request().Context())

	resp := BackendsHealthResponse{Backends: make(map[string]router.HealthResult, len(results))}
	for key, res := range results {
		resp.Backends[key.String()] = res
		if res.Healthy {
			resp.Healthy++
		}
	}
	resp.Total = len(results)
	return c.JSON(http.StatusOK, resp)
}

// handleCollections lists collections on the active primary, or on the
// instance of the kind given by ?kind=, with their point counts.
func (s *Server) handleCollections(c echo.Context) error {
	r, err := s.current(c)
	if err != nil {
		return err
	}

	var opts []router.OpOption
	if k := c.QueryParam("kind"); k != "" {
		kind, err := backend.ParseKind(k)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts = append(opts, router.OnBackend(kind))
	}

	ctx := c.Request().Context()
	names := r.ListCollections(ctx, opts...)
	return c.JSON(http.StatusOK, CollectionsResponse{
		Collections: names,
		PointCounts: pointCounts(ctx, r, names, opts...),
	})
}

func (s *Server) handleReload(c echo.Context) error {
	r, err := s.manager.Reload(c.Request().Context())
	if err != nil {
		s.logger.Error("router reload failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reload failed")
	}
	s.logger.Info("router reloaded via api", zap.String("source", r.Config().Source))
	return c.JSON(http.StatusOK, StatusResponse{
		Report:     r.Status(),
		Generation: s.manager.Generation(),
	})
}

// pointCounts reads point_count from each collection's stats. Collections
// whose stats fail or carry no count are left out.
func pointCounts(ctx context.Context, r *router.Router, names []string, opts ...router.OpOption) map[string]int {
	counts := make(map[string]int, len(names))
	for _, name := range names {
		stats := r.GetStats(ctx, name, opts...)
		if _, failed := stats["error"]; failed {
			continue
		}
		switch n := stats["point_count"].(type) {
		case int:
			counts[name] = n
		case int64:
			counts[name] = int(n)
		case uint64:
			counts[name] = int(n)
		}
	}
	return counts
}

// Handler exposes the server's routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
