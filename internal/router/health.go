package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

// HealthCheckAll checks every instance concurrently on the worker pool and
// returns exactly one result per instance. Instances without an adapter
// report their last error. Results update the Health field of the status
// snapshot; the Connected flag used for routing is left alone.
func (r *Router) HealthCheckAll(ctx context.Context) map[config.InstanceKey]HealthResult {
	ctx, span := r.tracer.Start(ctx, "router.HealthCheckAll")
	defer span.End()
	start := time.Now()

	instances := r.instances()
	results := make(map[config.InstanceKey]HealthResult, len(instances))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(key config.InstanceKey, res HealthResult) {
		mu.Lock()
		results[key] = res
		mu.Unlock()
	}

	for _, inst := range instances {
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			record(inst.key, r.checkInstance(ctx, inst))
		}); err != nil {
			wg.Done()
			record(inst.key, HealthResult{
				Message:   fmt.Sprintf("scheduling health check: %v", err),
				CheckedAt: time.Now(),
			})
		}
	}
	wg.Wait()

	r.mergeHealth(results)

	healthy := 0
	for _, res := range results {
		if res.Healthy {
			healthy++
		}
	}
	HealthCheckDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("instances", len(results)),
		attribute.Int("healthy", healthy),
	)
	return results
}

func (r *Router) checkInstance(ctx context.Context, inst *Instance) (res HealthResult) {
	defer func() {
		if p := recover(); p != nil {
			res = HealthResult{Message: fmt.Sprintf("panic during health check: %v", p), CheckedAt: time.Now()}
		}
		if !res.Healthy {
			r.logger.Debug("backend unhealthy",
				zap.Stringer("instance", inst.key),
				zap.String("message", res.Message))
		}
	}()

	adapter := inst.Backend()
	if adapter == nil {
		st, _ := r.snap.Load().get(inst.key)
		msg := st.LastError
		if msg == "" {
			msg = "backend not initialized"
		}
		return HealthResult{Message: msg, CheckedAt: time.Now()}
	}

	ok, msg := adapter.HealthCheck(ctx)
	return HealthResult{Healthy: ok, Message: msg, CheckedAt: time.Now()}
}

func (r *Router) mergeHealth(results map[config.InstanceKey]HealthResult) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	current := r.snap.Load()
	updates := make(map[config.InstanceKey]BackendStatus, len(results))
	for key, res := range results {
		st, ok := current.get(key)
		if !ok {
			continue
		}
		st.Health = &res
		updates[key] = st
		BackendHealthy.WithLabelValues(key.String(), string(st.Tier)).Set(boolGauge(res.Healthy))
	}
	r.snap.Store(current.with(updates))
}

// Reconnect retries every disconnected instance, in priority order, and
// refreshes the collection lists of connected ones. It is the explicit
// refresh that can bring an instance back into routing.
func (r *Router) Reconnect(ctx context.Context) Report {
	if r.closed.Load() {
		return r.Status()
	}
	for _, inst := range r.instances() {
		if r.connected(inst) {
			r.refreshCollections(ctx, inst)
			continue
		}
		r.storeStatus(inst, r.connectInstance(ctx, inst))
	}
	return r.Status()
}

func (r *Router) refreshCollections(ctx context.Context, inst *Instance) {
	cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	var names []string
	err := r.call(cctx, inst, "list_collections", func(ctx context.Context, b backend.Backend) error {
		var err error
		names, err = b.ListCollections(ctx)
		return err
	})

	st, _ := r.snap.Load().get(inst.key)
	if err != nil {
		st.Connected = false
		st.State = StateDisconnected
		st.LastError = err.Error()
	} else {
		st.Collections = names
		st.LastError = ""
	}
	r.storeStatus(inst, st)
}

// StartHealthMonitor runs HealthCheckAll every HealthCheckIntervalSeconds
// until ctx is done or the router is closed. Calling it again is a no-op.
func (r *Router) StartHealthMonitor(ctx context.Context) {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorDone != nil || r.closed.Load() {
		return
	}

	interval := r.healthInterval
	if interval <= 0 {
		interval = time.Duration(r.cfg.HealthCheckIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = time.Duration(config.DefaultHealthCheckIntervalSeconds) * time.Second
	}
	done := make(chan struct{})
	r.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Debug("health monitor started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopMonitor:
				return
			case <-ticker.C:
				r.HealthCheckAll(ctx)
			}
		}
	}()
}
