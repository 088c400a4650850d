package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/backend/mock"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
)

var (
	qdrant1  = config.InstanceKey{Kind: backend.KindQdrant, Priority: 1}
	chromem2 = config.InstanceKey{Kind: backend.KindChromem, Priority: 2}
	sqlite3  = config.InstanceKey{Kind: backend.KindSQLite, Priority: 3}
	chroma4  = config.InstanceKey{Kind: backend.KindChroma, Priority: 4}
	mock5    = config.InstanceKey{Kind: backend.KindMock, Priority: 5}
)

func TestNew_IsolatesBackendFailures(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"q": newFake(backend.KindQdrant),
		"c": newFake(backend.KindChromem),
		"s": newFake(backend.KindSQLite),
		"m": newFake(backend.KindMock),
	}
	fakes["q"].connectErr = errBoom
	fakes["c"].connectPanic = true
	fakes["s"].collections = []string{"docs"}

	reg := fakeRegistry(fakes, backend.KindQdrant, backend.KindChromem, backend.KindSQLite, backend.KindMock)
	cfg := routerConfig(
		[]config.BackendConfig{entry(backend.KindQdrant, 1, "q"), entry(backend.KindChromem, 2, "c"), entry(backend.KindSQLite, 3, "s")},
		[]config.BackendConfig{entry(backend.KindChroma, 4, "x"), entry(backend.KindMock, 5, "m")},
	)
	log := logging.NewTestLogger()
	r := newTestRouter(t, cfg, reg, WithLogger(log.Underlying()))

	rep := r.Status()
	require.Len(t, rep.Backends, 5)
	assert.Equal(t, 2, rep.Connected())

	q := statusOf(t, r, qdrant1)
	assert.False(t, q.Connected)
	assert.Equal(t, StateDisconnected, q.State)
	assert.Contains(t, q.LastError, "connect failed: boom")

	c := statusOf(t, r, chromem2)
	assert.False(t, c.Connected)
	assert.Contains(t, c.LastError, "panic during initialization")

	s := statusOf(t, r, sqlite3)
	assert.True(t, s.Connected)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, []string{"docs"}, s.Collections)
	assert.Equal(t, config.TierPrimary, s.Tier)

	ch := statusOf(t, r, chroma4)
	assert.False(t, ch.Connected)
	assert.Equal(t, "chroma backend unavailable: missing dependency", ch.LastError)
	assert.Equal(t, config.TierFallback, ch.Tier)

	require.NotNil(t, r.SelectPrimary())
	assert.Equal(t, sqlite3, r.SelectPrimary().Key())
	require.NotNil(t, r.SelectFallback())
	assert.Equal(t, mock5, r.SelectFallback().Key())
	assert.Equal(t, sqlite3.String(), rep.ActivePrimary)

	log.AssertLogged(t, zapcore.WarnLevel, "backend unavailable")
	assert.Len(t, rep.Registry, len(backend.AllKinds()))
}

func TestNew_ListFailureDisconnects(t *testing.T) {
	f := newFake(backend.KindQdrant)
	f.listErr = errBoom
	r := newTestRouter(t,
		routerConfig([]config.BackendConfig{entry(backend.KindQdrant, 1, "q")}, nil),
		fakeRegistry(map[string]*fakeBackend{"q": f}, backend.KindQdrant))

	st := statusOf(t, r, qdrant1)
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "listing collections failed")
	assert.Nil(t, r.SelectPrimary())
}

func TestNew_SortsAndSkipsDisabledAndDuplicates(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"a": newFake(backend.KindMock),
		"b": newFake(backend.KindMock),
		"c": newFake(backend.KindMock),
	}
	disabled := entry(backend.KindMock, 7, "c")
	disabled.Enabled = false
	cfg := routerConfig([]config.BackendConfig{
		entry(backend.KindMock, 3, "a"),
		entry(backend.KindMock, 1, "b"),
		entry(backend.KindMock, 3, "c"),
		disabled,
	}, nil)

	r := newTestRouter(t, cfg, fakeRegistry(fakes, backend.KindMock))

	rep := r.Status()
	require.Len(t, rep.Backends, 2)
	assert.Equal(t, 1, rep.Backends[0].Priority)
	assert.Equal(t, 3, rep.Backends[1].Priority)
	assert.Equal(t, []config.InstanceKey{{Kind: backend.KindMock, Priority: 7}}, rep.Disabled)
	assert.Equal(t, int32(0), fakes["c"].connects.Load())

	rep.Disabled[0].Priority = 99
	assert.Equal(t, 7, r.Status().Disabled[0].Priority, "reports do not share router state")
}

func TestSelection(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"p1": newFake(backend.KindQdrant),
		"p2": newFake(backend.KindMock),
		"f1": newFake(backend.KindMock),
		"f2": newFake(backend.KindSQLite),
	}
	fakes["p1"].connectErr = errBoom
	ineligible := entry(backend.KindMock, 10, "f1")
	ineligible.FallbackEligible = false

	r := newTestRouter(t,
		routerConfig(
			[]config.BackendConfig{entry(backend.KindQdrant, 1, "p1"), entry(backend.KindMock, 2, "p2")},
			[]config.BackendConfig{ineligible, entry(backend.KindSQLite, 11, "f2")},
		),
		fakeRegistry(fakes, backend.KindQdrant, backend.KindMock, backend.KindSQLite))

	assert.Equal(t, config.InstanceKey{Kind: backend.KindMock, Priority: 2}, r.SelectPrimary().Key())
	assert.Equal(t, config.InstanceKey{Kind: backend.KindSQLite, Priority: 11}, r.SelectFallback().Key())
	assert.Equal(t, config.InstanceKey{Kind: backend.KindMock, Priority: 2}, r.ByKind(backend.KindMock).Key())
	assert.Equal(t, config.TierFallback, r.ByKind(backend.KindSQLite).Tier())
	assert.Nil(t, r.ByKind(backend.KindQdrant))
	assert.Nil(t, r.ByKind(backend.KindPgvector))
}

func TestSelectPrimary_NoneIffAllDisconnected(t *testing.T) {
	fakes := map[string]*fakeBackend{"a": newFake(backend.KindMock), "b": newFake(backend.KindQdrant)}
	fakes["a"].connectErr = errBoom
	fakes["b"].connectErr = errBoom

	r := newTestRouter(t,
		routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "a"), entry(backend.KindQdrant, 2, "b")}, nil),
		fakeRegistry(fakes, backend.KindMock, backend.KindQdrant))
	assert.Nil(t, r.SelectPrimary())

	fakes["b"].set(func(f *fakeBackend) { f.connectErr = nil })
	r.Reconnect(context.Background())
	require.NotNil(t, r.SelectPrimary())
	assert.Equal(t, backend.KindQdrant, r.SelectPrimary().Kind())
}

func TestCollectionOps_RoundTripOnMock(t *testing.T) {
	ctx := context.Background()
	reg := backend.NewRegistry(nil, backend.Registration{Kind: backend.KindMock, Factory: mock.New})
	r := newTestRouter(t, routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "")}, nil), reg)

	require.True(t, r.CreateCollection(ctx, "c1", backend.CollectionOptions{VectorSize: 2}))
	assert.Contains(t, r.ListCollections(ctx), "c1")
	assert.False(t, r.CreateCollection(ctx, "c1", backend.CollectionOptions{}), "duplicate create reports failure")

	require.True(t, r.Upsert(ctx, "c1", []backend.Document{{ID: "a", Content: "alpha"}}, [][]float32{{1, 0}}))
	stats := r.GetStats(ctx, "c1")
	assert.Equal(t, 1, stats["point_count"])
	assert.Equal(t, "mock@1", stats["source"])

	assert.True(t, r.DeleteDocuments(ctx, "c1", []string{"a"}))
	assert.True(t, r.DeleteCollection(ctx, "c1"))
	assert.NotContains(t, r.ListCollections(ctx), "c1")

	assert.True(t, r.CreateCollection(ctx, "c2", backend.CollectionOptions{}, OnBackend(backend.KindMock)))
	assert.False(t, r.CreateCollection(ctx, "c3", backend.CollectionOptions{}, OnBackend(backend.KindQdrant)))
}

func TestCollectionOps_NoBackend(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, routerConfig(nil, nil), backend.NewRegistry(nil))

	assert.False(t, r.CreateCollection(ctx, "c1", backend.CollectionOptions{}))
	assert.False(t, r.DeleteCollection(ctx, "c1"))
	assert.False(t, r.DeleteDocuments(ctx, "c1", []string{"x"}))
	assert.Equal(t, []string{}, r.ListCollections(ctx))
	assert.Equal(t, map[string]any{"error": ErrNoBackend.Error()}, r.GetStats(ctx, "c1"))
	assert.Equal(t, []backend.SearchHit{}, r.Search(ctx, backend.SearchRequest{Collection: "c1"}))
	assert.False(t, r.Upsert(ctx, "c1", []backend.Document{{ID: "a"}}, nil))
}

func TestGetStats_ErrorMap(t *testing.T) {
	ctx := context.Background()
	reg := backend.NewRegistry(nil, backend.Registration{Kind: backend.KindMock, Factory: mock.New})
	r := newTestRouter(t, routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "")}, nil), reg)

	stats := r.GetStats(ctx, "missing")
	require.Contains(t, stats, "error")
	assert.Contains(t, stats["error"], "not found")
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFake(backend.KindMock)
	f.hits = []backend.SearchHit{{ID: "a"}}
	r, err := New(ctx, routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "m")}, nil),
		fakeRegistry(map[string]*fakeBackend{"m": f}, backend.KindMock))
	require.NoError(t, err)

	r.StartHealthMonitor(ctx)
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	assert.Equal(t, int32(1), f.disconnects.Load())
	rep := r.Status()
	assert.True(t, rep.Closed)
	assert.Equal(t, 0, rep.Connected())
	assert.Empty(t, r.Search(ctx, backend.SearchRequest{Collection: "c"}))
	assert.False(t, r.Upsert(ctx, "c", []backend.Document{{ID: "a"}}, nil))

	// One entry per instance even when the pool is gone.
	assert.Len(t, r.HealthCheckAll(ctx), 1)
}

func TestHealthCheckAll_OneEntryPerInstance(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"q": newFake(backend.KindQdrant),
		"s": newFake(backend.KindSQLite),
		"m": newFake(backend.KindMock),
	}
	fakes["q"].connectErr = errBoom
	fakes["s"].unhealthy = true
	fakes["m"].healthPanic = true

	r := newTestRouter(t,
		routerConfig(
			[]config.BackendConfig{entry(backend.KindQdrant, 1, "q"), entry(backend.KindSQLite, 3, "s")},
			[]config.BackendConfig{entry(backend.KindChroma, 4, "x"), entry(backend.KindMock, 5, "m")},
		),
		fakeRegistry(fakes, backend.KindQdrant, backend.KindSQLite, backend.KindMock))

	results := r.HealthCheckAll(context.Background())

	require.Len(t, results, 4)
	assert.ElementsMatch(t,
		[]config.InstanceKey{qdrant1, sqlite3, chroma4, mock5},
		keysOf(results))

	assert.True(t, results[qdrant1].Healthy, "adapter exists even though connect failed")
	assert.False(t, results[sqlite3].Healthy)
	assert.Equal(t, "fake unhealthy", results[sqlite3].Message)
	assert.False(t, results[chroma4].Healthy)
	assert.Equal(t, "chroma backend unavailable: missing dependency", results[chroma4].Message)
	assert.False(t, results[mock5].Healthy)
	assert.Contains(t, results[mock5].Message, "panic")

	// Health results never change routing.
	s := statusOf(t, r, sqlite3)
	assert.True(t, s.Connected)
	require.NotNil(t, s.Health)
	assert.False(t, s.Health.Healthy)
	assert.False(t, statusOf(t, r, qdrant1).Connected)
	assert.Equal(t, sqlite3, r.SelectPrimary().Key())
}

func keysOf(m map[config.InstanceKey]HealthResult) []config.InstanceKey {
	out := make([]config.InstanceKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestReconnect_RefreshesCollections(t *testing.T) {
	ctx := context.Background()
	f := newFake(backend.KindMock)
	r := newTestRouter(t,
		routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "m")}, nil),
		fakeRegistry(map[string]*fakeBackend{"m": f}, backend.KindMock))

	f.set(func(f *fakeBackend) { f.collections = []string{"late"} })
	rep := r.Reconnect(ctx)
	require.Len(t, rep.Backends, 1)
	assert.Equal(t, []string{"late"}, rep.Backends[0].Collections)
	assert.Equal(t, int32(1), f.connects.Load(), "connected instances are not reconnected")
}

func TestStartHealthMonitor(t *testing.T) {
	f := newFake(backend.KindMock)
	r := newTestRouter(t,
		routerConfig([]config.BackendConfig{entry(backend.KindMock, 1, "m")}, nil),
		fakeRegistry(map[string]*fakeBackend{"m": f}, backend.KindMock),
		WithHealthInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartHealthMonitor(ctx)
	r.StartHealthMonitor(ctx)

	assert.Eventually(t, func() bool {
		return statusOf(t, r, config.InstanceKey{Kind: backend.KindMock, Priority: 1}).Health != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RequiresConfigAndRegistry(t *testing.T) {
	_, err := New(context.Background(), nil, backend.NewRegistry(nil))
	assert.Error(t, err)
	_, err = New(context.Background(), routerConfig(nil, nil), nil)
	assert.Error(t, err)
}

func TestWriteResult(t *testing.T) {
	w := &WriteResult{PerBackend: map[config.InstanceKey]error{
		qdrant1: nil,
		sqlite3: errBoom,
	}}
	assert.True(t, w.Succeeded())
	ok, attempted := w.Counts()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, attempted)

	assert.False(t, (&WriteResult{PerBackend: map[config.InstanceKey]error{}, Err: ErrNoBackend}).Succeeded())
}

func TestUpsert_NoBackendReportsErr(t *testing.T) {
	r := newTestRouter(t, routerConfig(nil, nil), fakeRegistry(nil))

	res := r.UpsertDetailed(context.Background(), "docs", sampleDocs, nil)

	assert.True(t, errors.Is(res.Err, ErrNoBackend))
	assert.Empty(t, res.PerBackend)
	assert.False(t, res.Succeeded())
}
