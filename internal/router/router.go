// Package router routes vector-storage operations across prioritized backend
// instances.
//
// A Router owns two tiers of instances built from a config.RouterConfig.
// Reads go to the first connected primary and, when that fails or finds
// nothing, to the first connected fallback. Writes go to the first connected
// primary or, with parallel writes enabled, to every connected primary at
// once. Backend failures never reach the caller as panics or errors: routed
// calls report false, empty results or an error-bearing map, and the cause is
// logged with the instance key.
//
// # Example
//
//	reg := adapters.NewRegistry(logger)
//	r, err := router.New(ctx, config.Load("", logger), reg, router.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer r.Close(ctx)
//
//	hits := r.Search(ctx, backend.SearchRequest{Collection: "docs", Embedding: vec})
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/vectorrouter/internal/router"

// ErrNoBackend is reported when no connected instance can serve a call.
var ErrNoBackend = errors.New("no backend available")

// Instance is one configured backend instance.
type Instance struct {
	cfg  config.BackendConfig
	key  config.InstanceKey
	tier config.Tier

	mu      sync.RWMutex
	adapter backend.Backend
}

// Key returns the instance key.
func (i *Instance) Key() config.InstanceKey { return i.key }

// Kind returns the backend kind.
func (i *Instance) Kind() backend.Kind { return i.key.Kind }

// Tier reports whether the instance is a primary or a fallback.
func (i *Instance) Tier() config.Tier { return i.tier }

// Backend returns the live adapter, or nil if none was built.
func (i *Instance) Backend() backend.Backend {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.adapter
}

func (i *Instance) setBackend(b backend.Backend) {
	i.mu.Lock()
	i.adapter = b
	i.mu.Unlock()
}

// Router dispatches operations to backend instances. It is safe for
// concurrent use.
type Router struct {
	cfg      *config.RouterConfig
	registry *backend.Registry
	logger   *zap.Logger
	tracer   trace.Tracer

	connectTimeout time.Duration
	healthInterval time.Duration
	poolSize       int
	pool           *ants.Pool

	// Built once in New; read-only afterward.
	primary  []*Instance
	fallback []*Instance
	byKey    map[config.InstanceKey]*Instance
	disabled []config.InstanceKey

	statusMu sync.Mutex
	snap     atomic.Pointer[snapshot]

	monitorMu   sync.Mutex
	stopMonitor chan struct{}
	monitorDone chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a Router and connects every enabled instance, primaries first,
// one at a time. A backend that fails to build or connect is recorded as
// disconnected; New only fails when the worker pool cannot be created.
func New(ctx context.Context, cfg *config.RouterConfig, registry *backend.Registry, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("router config is required")
	}
	if registry == nil {
		return nil, errors.New("backend registry is required")
	}

	r := &Router{
		cfg:            cfg,
		registry:       registry,
		logger:         zap.NewNop(),
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		connectTimeout: DefaultConnectTimeout,
		poolSize:       cfg.MaxConcurrentOperations,
		byKey:          make(map[config.InstanceKey]*Instance),
		stopMonitor:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poolSize < 1 {
		r.poolSize = 1
	}

	pool, err := ants.NewPool(r.poolSize)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	r.pool = pool

	r.primary = r.buildTier(config.TierPrimary, cfg.PrimaryBackends)
	r.fallback = r.buildTier(config.TierFallback, cfg.FallbackBackends)

	initial := &snapshot{statuses: make(map[config.InstanceKey]BackendStatus, len(r.byKey))}
	for _, inst := range r.instances() {
		initial.statuses[inst.key] = BackendStatus{
			Kind:     inst.key.Kind,
			Priority: inst.key.Priority,
			Tier:     inst.tier,
			State:    StateUninitialized,
		}
	}
	r.snap.Store(initial)

	for _, inst := range r.instances() {
		r.storeStatus(inst, r.connectInstance(ctx, inst))
	}

	rep := r.Status()
	r.logger.Info("storage router initialized",
		zap.String("source", cfg.Source),
		zap.Int("instances", len(rep.Backends)),
		zap.Int("connected", rep.Connected()),
		zap.String("active_primary", rep.ActivePrimary),
		zap.String("active_fallback", rep.ActiveFallback),
		zap.Bool("parallel_writes", cfg.ParallelWrites),
		zap.Int("pool_size", r.poolSize))
	return r, nil
}

// buildTier sorts entries by priority and creates instances for the enabled
// ones, skipping keys already taken.
func (r *Router) buildTier(tier config.Tier, entries []config.BackendConfig) []*Instance {
	sorted := append([]config.BackendConfig(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var out []*Instance
	for _, bc := range sorted {
		key := bc.Key()
		if !bc.Enabled {
			r.disabled = append(r.disabled, key)
			continue
		}
		if _, dup := r.byKey[key]; dup {
			r.logger.Warn("skipping duplicate backend instance",
				zap.Stringer("instance", key),
				zap.String("tier", string(tier)))
			continue
		}
		inst := &Instance{cfg: bc, key: key, tier: tier}
		r.byKey[key] = inst
		out = append(out, inst)
	}
	return out
}

// instances returns primaries then fallbacks.
func (r *Router) instances() []*Instance {
	out := make([]*Instance, 0, len(r.primary)+len(r.fallback))
	out = append(out, r.primary...)
	return append(out, r.fallback...)
}

// connectInstance builds the adapter if needed, connects it and lists its
// collections. Every failure, including a panic, yields a disconnected status.
func (r *Router) connectInstance(ctx context.Context, inst *Instance) (st BackendStatus) {
	st = BackendStatus{
		Kind:     inst.key.Kind,
		Priority: inst.key.Priority,
		Tier:     inst.tier,
		State:    StateConnecting,
	}
	r.storeStatus(inst, st)

	logger := r.logger.With(zap.Stringer("instance", inst.key), zap.String("tier", string(inst.tier)))
	fail := func(msg string) BackendStatus {
		st.Connected = false
		st.State = StateDisconnected
		st.LastError = msg
		logger.Warn("backend unavailable", zap.String("reason", msg))
		return st
	}

	defer func() {
		if p := recover(); p != nil {
			st = fail(fmt.Sprintf("panic during initialization: %v", p))
		}
	}()

	adapter := inst.Backend()
	if adapter == nil {
		switch h := r.registry.Resolve(inst.key.Kind).(type) {
		case backend.Unavailable:
			return fail(h.Reason)
		case backend.Available:
			logger.Debug("creating backend", logging.Params("params", inst.cfg.ConnectionParams))
			b, err := h.Factory(inst.cfg.ConnectionParams.Clone(), logger.Named(string(inst.key.Kind)))
			if err != nil {
				return fail(fmt.Sprintf("creating backend: %v", err))
			}
			if b == nil {
				return fail("creating backend: factory returned nil")
			}
			adapter = b
			inst.setBackend(b)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	if err := adapter.Connect(cctx); err != nil {
		return fail(fmt.Sprintf("connect failed: %v", err))
	}
	collections, err := adapter.ListCollections(cctx)
	if err != nil {
		return fail(fmt.Sprintf("listing collections failed: %v", err))
	}

	st.Connected = true
	st.State = StateConnected
	st.Collections = collections
	logger.Info("backend connected", zap.Int("collections", len(collections)))
	return st
}

func (r *Router) storeStatus(inst *Instance, st BackendStatus) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if prev, ok := r.snap.Load().get(inst.key); ok && st.Health == nil {
		st.Health = prev.Health
	}
	r.snap.Store(r.snap.Load().with(map[config.InstanceKey]BackendStatus{inst.key: st}))
	BackendConnected.WithLabelValues(inst.key.String(), string(inst.tier)).Set(boolGauge(st.Connected))
}

func (r *Router) connected(inst *Instance) bool {
	st, ok := r.snap.Load().get(inst.key)
	return ok && st.Connected
}

// SelectPrimary returns the connected primary with the lowest priority, or nil.
func (r *Router) SelectPrimary() *Instance {
	for _, inst := range r.primary {
		if r.connected(inst) {
			return inst
		}
	}
	return nil
}

// SelectFallback returns the connected, fallback-eligible fallback with the
// lowest priority, or nil.
func (r *Router) SelectFallback() *Instance {
	for _, inst := range r.fallback {
		if inst.cfg.FallbackEligible && r.connected(inst) {
			return inst
		}
	}
	return nil
}

// ByKind returns a connected instance of kind, searching primaries first.
func (r *Router) ByKind(kind backend.Kind) *Instance {
	for _, inst := range r.instances() {
		if inst.key.Kind == kind && r.connected(inst) {
			return inst
		}
	}
	return nil
}

// target resolves the single instance for a routed call.
func (r *Router) target(o opSettings) *Instance {
	if o.kind != "" {
		return r.ByKind(o.kind)
	}
	return r.SelectPrimary()
}

// Config returns the configuration the router was built from.
func (r *Router) Config() *config.RouterConfig { return r.cfg }

// Close stops the health monitor, releases the worker pool and disconnects
// every adapter. It is safe to call more than once.
func (r *Router) Close(ctx context.Context) error {
	var errs []error
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		close(r.stopMonitor)
		r.monitorMu.Lock()
		done := r.monitorDone
		r.monitorMu.Unlock()
		if done != nil {
			<-done
		}

		r.pool.Release()

		for _, inst := range r.instances() {
			if err := r.disconnect(ctx, inst); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", inst.key, err))
			}
		}
		r.logger.Info("storage router closed")
	})
	return errors.Join(errs...)
}

func (r *Router) disconnect(ctx context.Context, inst *Instance) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during disconnect: %v", p)
		}
		st, _ := r.snap.Load().get(inst.key)
		st.Connected = false
		st.State = StateDisconnected
		if err != nil {
			st.LastError = err.Error()
		}
		r.storeStatus(inst, st)
	}()
	adapter := inst.Backend()
	if adapter == nil {
		return nil
	}
	return adapter.Disconnect(ctx)
}
