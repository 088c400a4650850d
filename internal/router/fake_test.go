package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

var errBoom = errors.New("boom")

// concurrency tracks how many fake calls run at once across backends.
type concurrency struct {
	running atomic.Int32
	max     atomic.Int32
}

func (c *concurrency) enter() {
	n := c.running.Add(1)
	for {
		cur := c.max.Load()
		if n <= cur || c.max.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *concurrency) leave() { c.running.Add(-1) }

// fakeBackend is a scriptable backend.Backend.
type fakeBackend struct {
	kind backend.Kind

	mu           sync.Mutex
	connectErr   error
	connectPanic bool
	listErr      error
	collections  []string
	hits         []backend.SearchHit
	searchErr    error
	searchPanic  bool
	upsertErr    error
	upsertPanic  bool
	upsertDelay  time.Duration
	unhealthy    bool
	healthPanic  bool
	upserted     [][]backend.Document
	tracker      *concurrency

	connects    atomic.Int32
	disconnects atomic.Int32
	searches    atomic.Int32
	upserts     atomic.Int32
}

func newFake(kind backend.Kind) *fakeBackend {
	return &fakeBackend{kind: kind}
}

func (f *fakeBackend) Kind() backend.Kind { return f.kind }

func (f *fakeBackend) Connect(context.Context) error {
	f.connects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectPanic {
		panic("connect exploded")
	}
	return f.connectErr
}

func (f *fakeBackend) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeBackend) CreateCollection(_ context.Context, name string, _ backend.CollectionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.collections {
		if c == name {
			return backend.ErrCollectionExists
		}
	}
	f.collections = append(f.collections, name)
	return nil
}

func (f *fakeBackend) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.collections {
		if c == name {
			f.collections = append(f.collections[:i], f.collections[i+1:]...)
			return nil
		}
	}
	return backend.ErrCollectionNotFound
}

func (f *fakeBackend) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.collections...), nil
}

func (f *fakeBackend) UpsertDocuments(_ context.Context, _ string, docs []backend.Document, _ [][]float32) error {
	f.upserts.Add(1)
	if f.tracker != nil {
		f.tracker.enter()
		defer f.tracker.leave()
	}
	f.mu.Lock()
	delay, err, explode := f.upsertDelay, f.upsertErr, f.upsertPanic
	f.mu.Unlock()

	time.Sleep(delay)
	if explode {
		panic("upsert exploded")
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.upserted = append(f.upserted, docs)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Search(context.Context, backend.SearchRequest) ([]backend.SearchHit, error) {
	f.searches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchPanic {
		panic("search exploded")
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]backend.SearchHit(nil), f.hits...), nil
}

func (f *fakeBackend) DeleteDocuments(context.Context, string, []string) error { return nil }

func (f *fakeBackend) GetCollectionStats(_ context.Context, name string) (map[string]any, error) {
	return map[string]any{"name": name, "point_count": 0}, nil
}

func (f *fakeBackend) HealthCheck(context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthPanic {
		panic("health exploded")
	}
	if f.unhealthy {
		return false, "fake unhealthy"
	}
	return true, "fake ok"
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeRegistry registers kinds whose factory hands out fakes by the "id"
// connection parameter. Kinds not listed resolve to Unavailable.
func fakeRegistry(fakes map[string]*fakeBackend, kinds ...backend.Kind) *backend.Registry {
	factory := func(p backend.Params, _ *zap.Logger) (backend.Backend, error) {
		id := p.String("id", "")
		f, ok := fakes[id]
		if !ok {
			return nil, fmt.Errorf("no fake registered for %q", id)
		}
		return f, nil
	}
	regs := make([]backend.Registration, 0, len(kinds))
	for _, k := range kinds {
		regs = append(regs, backend.Registration{Kind: k, Factory: factory})
	}
	return backend.NewRegistry(nil, regs...)
}

func entry(kind backend.Kind, priority int, id string) config.BackendConfig {
	return config.BackendConfig{
		Kind:             kind,
		ConnectionParams: backend.Params{"id": id},
		Enabled:          true,
		Priority:         priority,
		FallbackEligible: true,
	}
}

func routerConfig(primary, fallback []config.BackendConfig) *config.RouterConfig {
	return &config.RouterConfig{
		SchemaVersion:              config.SchemaCurrent,
		PrimaryBackends:            primary,
		FallbackBackends:           fallback,
		QueryFallbackEnabled:       true,
		HealthCheckIntervalSeconds: config.DefaultHealthCheckIntervalSeconds,
		MaxConcurrentOperations:    config.DefaultMaxConcurrentOperations,
		Source:                     "test",
	}
}

func newTestRouter(t *testing.T, cfg *config.RouterConfig, reg *backend.Registry, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithConnectTimeout(time.Second)}, opts...)
	r, err := New(context.Background(), cfg, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func statusOf(t *testing.T, r *Router, key config.InstanceKey) BackendStatus {
	t.Helper()
	for _, st := range r.Status().Backends {
		if st.Key() == key {
			return st
		}
	}
	t.Fatalf("no status for %s", key)
	return BackendStatus{}
}
