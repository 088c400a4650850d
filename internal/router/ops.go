package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

// call runs fn against inst's adapter, converting panics to errors and
// recording metrics. Failures are logged with the instance key.
func (r *Router) call(ctx context.Context, inst *Instance, op string, fn func(context.Context, backend.Backend) error) (err error) {
	kind := string(inst.key.Kind)
	start := time.Now()
	result := "success"

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", op, p)
			result = "panic"
		} else if err != nil {
			result = "error"
		}
		OperationsTotal.WithLabelValues(kind, op, result).Inc()
		OperationDuration.WithLabelValues(kind, op).Observe(time.Since(start).Seconds())
		if err != nil {
			r.logger.Warn("backend operation failed",
				zap.Stringer("instance", inst.key),
				zap.String("operation", op),
				zap.Error(err))
		}
	}()

	b := inst.Backend()
	if b == nil {
		return backend.ErrNotConnected
	}
	return fn(ctx, b)
}

// CreateCollection creates a collection on the target instance.
func (r *Router) CreateCollection(ctx context.Context, name string, opts backend.CollectionOptions, options ...OpOption) bool {
	inst := r.target(applyOpOptions(options))
	if inst == nil {
		r.logger.Warn("no backend available", zap.String("operation", "create_collection"))
		return false
	}
	return r.call(ctx, inst, "create_collection", func(ctx context.Context, b backend.Backend) error {
		return b.CreateCollection(ctx, name, opts)
	}) == nil
}

// DeleteCollection deletes a collection on the target instance.
func (r *Router) DeleteCollection(ctx context.Context, name string, options ...OpOption) bool {
	inst := r.target(applyOpOptions(options))
	if inst == nil {
		r.logger.Warn("no backend available", zap.String("operation", "delete_collection"))
		return false
	}
	return r.call(ctx, inst, "delete_collection", func(ctx context.Context, b backend.Backend) error {
		return b.DeleteCollection(ctx, name)
	}) == nil
}

// ListCollections lists collections on the target instance. It returns an
// empty slice when nothing can serve the call.
func (r *Router) ListCollections(ctx context.Context, options ...OpOption) []string {
	inst := r.target(applyOpOptions(options))
	if inst == nil {
		r.logger.Warn("no backend available", zap.String("operation", "list_collections"))
		return []string{}
	}
	var names []string
	err := r.call(ctx, inst, "list_collections", func(ctx context.Context, b backend.Backend) error {
		var err error
		names, err = b.ListCollections(ctx)
		return err
	})
	if err != nil || names == nil {
		return []string{}
	}
	return names
}

// GetStats returns collection statistics from the target instance. On
// failure the map holds a single "error" entry.
func (r *Router) GetStats(ctx context.Context, collection string, options ...OpOption) map[string]any {
	inst := r.target(applyOpOptions(options))
	if inst == nil {
		return map[string]any{"error": ErrNoBackend.Error()}
	}
	var stats map[string]any
	err := r.call(ctx, inst, "get_stats", func(ctx context.Context, b backend.Backend) error {
		var err error
		stats, err = b.GetCollectionStats(ctx, collection)
		return err
	})
	if err != nil {
		return map[string]any{"error": err.Error(), "source": inst.key.String()}
	}
	if stats == nil {
		stats = map[string]any{}
	}
	stats["source"] = inst.key.String()
	return stats
}

// DeleteDocuments removes documents by ID on the target instance.
func (r *Router) DeleteDocuments(ctx context.Context, collection string, ids []string, options ...OpOption) bool {
	inst := r.target(applyOpOptions(options))
	if inst == nil {
		r.logger.Warn("no backend available", zap.String("operation", "delete_documents"))
		return false
	}
	return r.call(ctx, inst, "delete_documents", func(ctx context.Context, b backend.Backend) error {
		return b.DeleteDocuments(ctx, collection, ids)
	}) == nil
}

// WriteResult is the per-instance outcome of an upsert.
type WriteResult struct {
	// PerBackend holds one entry per attempted instance; nil means success.
	PerBackend map[config.InstanceKey]error

	// Err is set when no instance was attempted.
	Err error
}

// Succeeded reports whether at least one instance accepted the write.
func (w *WriteResult) Succeeded() bool {
	for _, err := range w.PerBackend {
		if err == nil {
			return true
		}
	}
	return false
}

// Counts returns how many instances succeeded and how many were attempted.
func (w *WriteResult) Counts() (succeeded, attempted int) {
	for _, err := range w.PerBackend {
		if err == nil {
			succeeded++
		}
	}
	return succeeded, len(w.PerBackend)
}

// Upsert writes documents and reports whether any instance accepted them.
func (r *Router) Upsert(ctx context.Context, collection string, docs []backend.Document, embeddings [][]float32, options ...OpOption) bool {
	return r.UpsertDetailed(ctx, collection, docs, embeddings, options...).Succeeded()
}

// UpsertDetailed writes documents and returns the outcome per instance.
//
// With parallel writes enabled the write goes to every connected primary (or
// every connected instance of the pinned kind) through the worker pool, and
// all calls are awaited. Documents without an ID get a fresh UUID first so all
// replicas agree on it.
func (r *Router) UpsertDetailed(ctx context.Context, collection string, docs []backend.Document, embeddings [][]float32, options ...OpOption) *WriteResult {
	ctx, span := r.tracer.Start(ctx, "router.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("document_count", len(docs)),
		attribute.Bool("parallel", r.cfg.ParallelWrites),
	)

	res := &WriteResult{PerBackend: make(map[config.InstanceKey]error)}

	if embeddings != nil && len(embeddings) != len(docs) {
		res.Err = fmt.Errorf("%w: %d documents, %d embeddings", backend.ErrEmbeddingMismatch, len(docs), len(embeddings))
		r.logger.Warn("rejecting upsert", zap.String("collection", collection), zap.Error(res.Err))
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	docs = assignIDs(docs)
	targets := r.writeTargets(applyOpOptions(options))
	if len(targets) == 0 {
		res.Err = ErrNoBackend
		r.logger.Warn("no backend available", zap.String("operation", "upsert"), zap.String("collection", collection))
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	write := func(inst *Instance) error {
		return r.call(ctx, inst, "upsert", func(ctx context.Context, b backend.Backend) error {
			return b.UpsertDocuments(ctx, collection, docs, embeddings)
		})
	}

	if len(targets) == 1 {
		res.PerBackend[targets[0].key] = write(targets[0])
	} else {
		FanoutWidth.Observe(float64(len(targets)))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		record := func(key config.InstanceKey, err error) {
			mu.Lock()
			res.PerBackend[key] = err
			mu.Unlock()
		}
		for _, inst := range targets {
			wg.Add(1)
			if err := r.pool.Submit(func() {
				defer wg.Done()
				record(inst.key, write(inst))
			}); err != nil {
				wg.Done()
				record(inst.key, fmt.Errorf("scheduling write: %w", err))
			}
		}
		wg.Wait()
	}

	ok, attempted := res.Counts()
	span.SetAttributes(attribute.Int("succeeded", ok), attribute.Int("attempted", attempted))
	if ok == 0 {
		span.SetStatus(codes.Error, "all backends failed")
	}
	r.logger.Debug("upsert complete",
		zap.String("collection", collection),
		zap.Int("documents", len(docs)),
		zap.Int("succeeded", ok),
		zap.Int("attempted", attempted))
	return res
}

// writeTargets returns one instance in single mode and every candidate in
// parallel mode.
func (r *Router) writeTargets(o opSettings) []*Instance {
	if !r.cfg.ParallelWrites {
		if inst := r.target(o); inst != nil {
			return []*Instance{inst}
		}
		return nil
	}
	var out []*Instance
	candidates := r.primary
	if o.kind != "" {
		candidates = r.instances()
	}
	for _, inst := range candidates {
		if o.kind != "" && inst.key.Kind != o.kind {
			continue
		}
		if r.connected(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// assignIDs returns docs with every empty ID replaced by a new UUID. The
// input slice is not modified.
func assignIDs(docs []backend.Document) []backend.Document {
	out := make([]backend.Document, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		out[i] = d
	}
	return out
}

// Search queries the primary tier and falls back as configured. With
// OnBackend it queries that kind only. It never fails: errors yield an empty
// result.
func (r *Router) Search(ctx context.Context, req backend.SearchRequest, options ...OpOption) []backend.SearchHit {
	ctx, span := r.tracer.Start(ctx, "router.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", req.Collection),
		attribute.Int("limit", req.EffectiveLimit()),
		attribute.Bool("has_embedding", len(req.Embedding) > 0),
	)

	o := applyOpOptions(options)
	if o.kind != "" {
		inst := r.ByKind(o.kind)
		if inst == nil {
			r.logger.Warn("no backend available", zap.String("operation", "search"), zap.String("kind", string(o.kind)))
			return []backend.SearchHit{}
		}
		hits, _ := r.searchOn(ctx, inst, req)
		return r.finish(span, inst, hits)
	}

	reason := "no_primary"
	if primary := r.SelectPrimary(); primary != nil {
		hits, err := r.searchOn(ctx, primary, req)
		switch {
		case err != nil:
			reason = "primary_error"
		case len(hits) == 0 && r.cfg.QueryFallbackEnabled:
			reason = "primary_empty"
		default:
			return r.finish(span, primary, hits)
		}
	}

	fallback := r.SelectFallback()
	if fallback == nil {
		span.SetAttributes(attribute.String("fallback_reason", reason))
		return []backend.SearchHit{}
	}
	FallbackActivations.WithLabelValues(reason).Inc()
	span.SetAttributes(attribute.String("fallback_reason", reason))
	r.logger.Debug("search using fallback backend",
		zap.Stringer("instance", fallback.key),
		zap.String("reason", reason))

	hits, _ := r.searchOn(ctx, fallback, req)
	return r.finish(span, fallback, hits)
}

func (r *Router) searchOn(ctx context.Context, inst *Instance, req backend.SearchRequest) ([]backend.SearchHit, error) {
	var hits []backend.SearchHit
	err := r.call(ctx, inst, "search", func(ctx context.Context, b backend.Backend) error {
		var err error
		hits, err = b.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// finish stamps each hit with the instance that served it.
func (r *Router) finish(span trace.Span, inst *Instance, hits []backend.SearchHit) []backend.SearchHit {
	out := make([]backend.SearchHit, len(hits))
	source := inst.key.String()
	for i, h := range hits {
		h.Source = source
		out[i] = h
	}
	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("results_count", len(out)),
	)
	return out
}
