package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/fyrsmithlabs/vectorrouter/internal/config"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// sqliteConfig writes a config whose only primary is an on-disk SQLite
// store, so state survives across commands. The chroma fallback is never
// registered and stays disconnected.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	body := `schemaVersion: 2
primaryBackends:
  - kind: sqlite
    priority: 1
    connectionParams:
      path: ` + filepath.Join(dir, "vectors.db") + `
fallbackBackends:
  - kind: chroma
    priority: 5
    connectionParams:
      url: http://chroma.internal:8000
      apiKey: sk-should-not-print
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestStatus(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "status", "--config", path, "--json")
	require.NoError(t, err)

	var rep router.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, path, rep.Source)
	assert.Equal(t, "sqlite@1", rep.ActivePrimary)
	assert.Empty(t, rep.ActiveFallback)

	out, err = execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Primary:   sqlite@1")
	assert.Contains(t, out, "Fallback:  (none)")
	assert.Contains(t, out, "chroma@5")
	assert.Contains(t, out, "missing dependency")
}

func TestHealth(t *testing.T) {
	out, err := execute(t, "health", "--config", sqliteConfig(t), "--json")
	require.NoError(t, err)

	var results map[string]router.HealthResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.True(t, results["sqlite@1"].Healthy)
	assert.False(t, results["chroma@5"].Healthy)
}

func TestCollectionsLifecycle(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "collections", "create", "docs", "--vector-size", "2", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "created docs\n", out)

	_, err = execute(t, "collections", "create", "docs", "--config", path)
	assert.Error(t, err, "creating an existing collection fails")

	out, err = execute(t, "collections", "list", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "docs\n", out)

	out, err = execute(t, "collections", "stats", "docs", "--config", path)
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 0, stats["point_count"])
	assert.Equal(t, "sqlite@1", stats["source"])

	out, err = execute(t, "collections", "list", "--config", path, "--backend", "noop")
	require.NoError(t, err)
	assert.Empty(t, out, "no mock instance is configured")

	out, err = execute(t, "collections", "delete", "docs", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "deleted docs\n", out)

	_, err = execute(t, "collections", "stats", "docs", "--config", path)
	assert.Error(t, err)
}

func TestCollections_BadBackendFlag(t *testing.T) {
	_, err := execute(t, "collections", "list", "--config", sqliteConfig(t), "--backend", "elasticsearch")
	assert.Error(t, err)
}

func TestSearch_EmptyCollection(t *testing.T) {
	path := sqliteConfig(t)
	_, err := execute(t, "collections", "create", "docs", "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "search", "docs", "router", "fallback", "--config", path, "--json", "--filter", "lang=go")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestConfig_RedactsCredentials(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "config", "--config", path, "--validate")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-should-not-print")

	var cfg config.RouterConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	require.Len(t, cfg.FallbackBackends, 1)
	assert.Equal(t, "[REDACTED]", cfg.FallbackBackends[0].ConnectionParams["apiKey"])

	out, err = execute(t, "config", "path", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "config", "path", "--log-level", "loud")
	assert.ErrorContains(t, err, "log-level")
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{"lang=go", "stars=42", "ratio=0.5", "archived=false", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"lang":     "go",
		"stars":    int64(42),
		"ratio":    0.5,
		"archived": false,
		"empty":    "",
	}, got)

	_, err = parseFilters([]string{"novalue"})
	assert.Error(t, err)

	got, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

type logSink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *logSink) Export(_ context.Context, records []sdklog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.bodies = append(s.bodies, r.Body().AsString())
	}
	return nil
}

func (s *logSink) Shutdown(context.Context) error   { return nil }
func (s *logSink) ForceFlush(context.Context) error { return nil }

func TestAttachLogExport(t *testing.T) {
	t.Setenv(logging.EnvPrefix+"OUTPUT", "otel")
	a := &app{}
	require.NoError(t, a.init(), "otel-only output still gets a bootstrap logger")

	sink := &logSink{}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(sink)))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

	require.NoError(t, a.attachLogExport(lp))
	a.zap().Warn("backend unreachable")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.bodies, "backend unreachable")
}

func TestAttachLogExport_WithoutOTelOutput(t *testing.T) {
	t.Setenv(logging.EnvPrefix+"OUTPUT", "stderr")
	a := &app{}
	require.NoError(t, a.init())
	before := a.logger

	sink := &logSink{}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(sink)))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

	require.NoError(t, a.attachLogExport(lp))
	assert.Same(t, before, a.logger)
	require.NoError(t, a.attachLogExport(nil))
	assert.Same(t, before, a.logger)
}
