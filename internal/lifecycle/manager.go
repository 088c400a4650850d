// Package lifecycle owns the process-wide Router: lazy construction, close,
// rebuild from the config file, and reload on file change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

// ErrClosed is returned by Get after Shutdown.
var ErrClosed = errors.New("lifecycle manager shut down")

// BuildFunc constructs a new Router. It is called with the Manager's lock
// held, so it must not call back into the Manager.
type BuildFunc func(ctx context.Context) (*router.Router, error)

// FileBuilder returns a BuildFunc that loads the router config from path
// (see config.Load) each time it runs and connects its backends.
func FileBuilder(path string, registry *backend.Registry, logger *zap.Logger, opts ...router.Option) BuildFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) (*router.Router, error) {
		cfg := config.Load(path, logger)
		return router.New(ctx, cfg, registry, append([]router.Option{router.WithLogger(logger)}, opts...)...)
	}
}

// Manager hands out one shared Router and rebuilds it on demand. All
// methods are safe for concurrent use; Get, Close and Reload are
// serialized.
type Manager struct {
	build   BuildFunc
	logger  *zap.Logger
	monitor bool

	mu         sync.Mutex
	current    *router.Router
	generation uint64
	shutdown   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHealthMonitor starts each router's background health monitor after it
// is built.
func WithHealthMonitor() Option {
	return func(m *Manager) { m.monitor = true }
}

// NewManager creates a Manager. No router is built until the first Get.
func NewManager(build BuildFunc, opts ...Option) *Manager {
	m := &Manager{build: build, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current Router, building it first if there is none.
func (m *Manager) Get(ctx context.Context) (*router.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx)
}

func (m *Manager) getLocked(ctx context.Context) (*router.Router, error) {
	if m.shutdown {
		return nil, ErrClosed
	}
	if m.current != nil {
		return m.current, nil
	}

	r, err := m.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}
	if m.monitor {
		r.StartHealthMonitor(context.WithoutCancel(ctx))
	}
	m.current = r
	m.generation++
	m.logger.Info("router ready",
		zap.Uint64("generation", m.generation),
		zap.String("source", r.Config().Source))
	return r, nil
}

// Current returns the current Router without building one.
func (m *Manager) Current() *router.Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Generation counts the routers built so far.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Close closes the current Router, if any, and clears it so the next Get
// builds a fresh one. Calling Close with no router is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx)
}

func (m *Manager) closeLocked(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	r := m.current
	m.current = nil
	if err := r.Close(ctx); err != nil {
		m.logger.Warn("errors while closing router", zap.Error(err))
		return err
	}
	return nil
}

// Reload closes the current Router and builds a new one from scratch. A
// close error is logged and does not stop the rebuild.
func (m *Manager) Reload(ctx context.Context) (*router.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.closeLocked(ctx)
	return m.getLocked(ctx)
}

// Shutdown closes the current Router and makes every later Get fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return m.closeLocked(ctx)
}
