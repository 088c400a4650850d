package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/mock"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

func mockRegistry() *backend.Registry {
	return backend.NewRegistry(nil, backend.Registration{Kind: backend.KindMock, Factory: mock.New})
}

// countingBuilder builds routers over a single mock primary.
func countingBuilder(calls *atomic.Int32) BuildFunc {
	return func(ctx context.Context) (*router.Router, error) {
		calls.Add(1)
		cfg := &config.RouterConfig{
			SchemaVersion: config.SchemaCurrent,
			PrimaryBackends: []config.BackendConfig{{
				Kind: backend.KindMock, Enabled: true, Priority: 1, FallbackEligible: true,
			}},
			MaxConcurrentOperations:    2,
			HealthCheckIntervalSeconds: 30,
			Source:                     config.SourceDefault,
		}
		return router.New(ctx, cfg, mockRegistry())
	}
}

func writeRouterConfig(t *testing.T, path string, priority int) {
	t.Helper()
	body := "schemaVersion: 2\nprimaryBackends:\n  - kind: mock\n    priority: " +
		strconv.Itoa(priority) + "\n    connectionParams: {}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManager_GetBuildsOnce(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(countingBuilder(&calls))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	assert.Nil(t, m.Current())

	var wg sync.WaitGroup
	routers := make([]*router.Router, 8)
	for i := range routers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Get(context.Background())
			assert.NoError(t, err)
			routers[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range routers {
		assert.Same(t, routers[0], r)
	}
	assert.Same(t, routers[0], m.Current())
	assert.Equal(t, uint64(1), m.Generation())
}

func TestManager_CloseThenGetRebuilds(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	m := NewManager(countingBuilder(&calls))

	first, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx), "close without a router is a no-op")

	assert.Nil(t, m.Current())
	assert.True(t, first.Status().Closed)
	assert.Nil(t, first.SelectPrimary())

	second, err := m.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotNil(t, second.SelectPrimary())
	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_CloseThenGetReflectsNewFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeRouterConfig(t, path, 1)

	m := NewManager(FileBuilder(path, mockRegistry(), nil))
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	r, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mock@1", r.Status().ActivePrimary)
	assert.Equal(t, path, r.Config().Source)

	writeRouterConfig(t, path, 5)
	r, err = m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mock@1", r.Status().ActivePrimary, "Get alone keeps the current router")

	require.NoError(t, m.Close(ctx))
	r, err = m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mock@5", r.Status().ActivePrimary)
	assert.Equal(t, "mock@6", r.Status().ActiveFallback)
}

func TestManager_Reload(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	m := NewManager(countingBuilder(&calls), WithHealthMonitor())
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	first, err := m.Get(ctx)
	require.NoError(t, err)
	second, err := m.Reload(ctx)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, first.Status().Closed)
	assert.Equal(t, uint64(2), m.Generation())
}

func TestManager_BuildError(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	m := NewManager(func(context.Context) (*router.Router, error) {
		attempts++
		return nil, boom
	})

	_, err := m.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = m.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, attempts, "a failed build is retried on the next Get")
	assert.Equal(t, uint64(0), m.Generation())
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	m := NewManager(countingBuilder(&calls))

	r, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, r.Status().Closed)
	_, err = m.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Reload(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
