package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "")
	os.Unsetenv("BAZ")

	assert.Equal(t, "bar/x", ExpandEnv("${FOO}/x"))
	assert.Equal(t, "", ExpandEnv("${BAZ}"))
	assert.Equal(t, "$FOO stays", ExpandEnv("$FOO stays"))
	assert.Equal(t, 42, ExpandEnv(42))

	nested := ExpandEnv(map[string]any{
		"path": "${FOO}/idx",
		"list": []any{"${FOO}", 1, map[string]any{"k": "${BAZ}-v"}},
	}).(map[string]any)
	assert.Equal(t, "bar/idx", nested["path"])
	list := nested["list"].([]any)
	assert.Equal(t, "bar", list[0])
	assert.Equal(t, 1, list[1])
	assert.Equal(t, "-v", list[2].(map[string]any)["k"])
}

func TestTranslateParams(t *testing.T) {
	tests := []struct {
		kind backend.Kind
		in   map[string]any
		want backend.Params
	}{
		{
			kind: backend.KindQdrant,
			in:   map[string]any{"api_key": "k", "collection_name": "c", "vector_size": 384, "use_tls": true, "url": "u"},
			want: backend.Params{"apiKey": "k", "collection": "c", "vectorSize": 384, "useTLS": true, "url": "u"},
		},
		{
			kind: backend.KindChromem,
			in:   map[string]any{"index_path": "/idx"},
			want: backend.Params{"path": "/idx"},
		},
		{
			kind: backend.KindChroma,
			in:   map[string]any{"api_key": "k", "tenant_id": "t"},
			want: backend.Params{"apiKey": "k", "tenant": "t"},
		},
		{
			kind: backend.KindSQLite,
			in:   map[string]any{"db_path": "/legacy.db", "path": "/current.db"},
			want: backend.Params{"path": "/current.db"},
		},
		{
			kind: backend.KindMock,
			in:   map[string]any{"api_key": "unchanged"},
			want: backend.Params{"api_key": "unchanged"},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, TranslateParams(tt.kind, tt.in))
		})
	}
}

func TestTranslateParams_LegacySpellingPrecedence(t *testing.T) {
	chromemIn := map[string]any{"index_path": "/second", "persist_directory": "/first"}
	sqliteIn := map[string]any{"database": "/second.db", "db_path": "/first.db"}

	// Map iteration order varies between runs; the result must not.
	for range 50 {
		assert.Equal(t, backend.Params{"path": "/first"}, TranslateParams(backend.KindChromem, chromemIn))
		assert.Equal(t, backend.Params{"path": "/first.db"}, TranslateParams(backend.KindSQLite, sqliteIn))
	}
}

func TestMigrateLegacy_Settings(t *testing.T) {
	cfg := MigrateLegacy(map[string]any{
		"primaryBackend":          map[string]any{"type": "local"},
		"fallbackBackends":        []any{"qdrant", "sqlite3"},
		"backendParams":           map[string]any{"sqlite": map[string]any{"database": "/v.db"}},
		"parallelWrites":          "true",
		"queryFallback":           false,
		"healthCheckInterval":     int64(45),
		"maxConcurrentOperations": 2,
	}, nil)

	require.Len(t, cfg.PrimaryBackends, 1)
	assert.Equal(t, InstanceKey{backend.KindChromem, 1}, cfg.PrimaryBackends[0].Key())
	require.Len(t, cfg.FallbackBackends, 2)
	assert.Equal(t, InstanceKey{backend.KindQdrant, 2}, cfg.FallbackBackends[0].Key())
	assert.Equal(t, InstanceKey{backend.KindSQLite, 3}, cfg.FallbackBackends[1].Key())
	assert.Equal(t, "/v.db", cfg.FallbackBackends[1].ConnectionParams["path"])

	assert.True(t, cfg.ParallelWrites)
	assert.False(t, cfg.QueryFallbackEnabled)
	assert.Equal(t, 45, cfg.HealthCheckIntervalSeconds)
	assert.Equal(t, 2, cfg.MaxConcurrentOperations)
}

func TestMigrateLegacy_InvalidSettingsKeepDefaults(t *testing.T) {
	logger, logs := observedLogger()
	cfg := MigrateLegacy(map[string]any{
		"parallelWrites":          "sometimes",
		"healthCheckInterval":     30.5,
		"maxConcurrentOperations": " 6 ",
	}, logger)

	assert.False(t, cfg.ParallelWrites)
	assert.Equal(t, DefaultHealthCheckIntervalSeconds, cfg.HealthCheckIntervalSeconds,
		"a fractional interval is rejected, not truncated")
	assert.Equal(t, 6, cfg.MaxConcurrentOperations)
	assert.Equal(t, 2, logs.FilterMessage("ignoring invalid setting").Len())
}

func TestMigrateLegacy_EmptyDocument(t *testing.T) {
	cfg := MigrateLegacy(map[string]any{}, nil)

	assert.Empty(t, cfg.PrimaryBackends)
	require.Len(t, cfg.FallbackBackends, 1)
	assert.Equal(t, InstanceKey{backend.KindMock, 1}, cfg.FallbackBackends[0].Key())
	assert.True(t, cfg.QueryFallbackEnabled)
	assert.Equal(t, DefaultHealthCheckIntervalSeconds, cfg.HealthCheckIntervalSeconds)
}

func TestSchemaVersionOf(t *testing.T) {
	logger, _ := observedLogger()
	tests := []struct {
		name string
		raw  map[string]any
		want int
	}{
		{"explicit current", map[string]any{"schemaVersion": 2}, SchemaCurrent},
		{"explicit legacy", map[string]any{"schemaVersion": "1", "primaryBackends": []any{map[string]any{"kind": "mock"}}}, SchemaLegacy},
		{"entries with kind", map[string]any{"fallbackBackends": []any{map[string]any{"kind": "mock"}}}, SchemaCurrent},
		{"entries with params", map[string]any{"primaryBackends": []any{map[string]any{"connectionParams": map[string]any{}}}}, SchemaCurrent},
		{"bare names", map[string]any{"fallbackBackends": []any{"mock"}}, SchemaLegacy},
		{"unsupported version", map[string]any{"schemaVersion": 9, "fallbackBackends": []any{map[string]any{"kind": "mock"}}}, SchemaCurrent},
		{"fractional version", map[string]any{"schemaVersion": 1.5, "fallbackBackends": []any{map[string]any{"kind": "mock"}}}, SchemaCurrent},
		{"empty", map[string]any{}, SchemaLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, schemaVersionOf(tt.raw, logger))
		})
	}
}

func TestRouterConfig_Validate(t *testing.T) {
	cfg := &RouterConfig{
		PrimaryBackends: []BackendConfig{
			{Kind: backend.KindQdrant, Priority: 1},
			{Kind: "bogus", Priority: 2},
		},
		FallbackBackends: []BackendConfig{
			{Kind: backend.KindQdrant, Priority: 1},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnknownKind)
	assert.Contains(t, err.Error(), "duplicate backend instance qdrant@1")
	assert.Contains(t, err.Error(), "healthCheckIntervalSeconds")

	cfg.applyDefaults()
	cfg.PrimaryBackends = cfg.PrimaryBackends[:1]
	cfg.FallbackBackends[0].Priority = 2
	assert.NoError(t, cfg.Validate())
}

func TestInstanceKey(t *testing.T) {
	key := InstanceKey{Kind: backend.KindSQLite, Priority: 3}
	assert.Equal(t, "sqlite@3", key.String())

	b, err := json.Marshal(map[InstanceKey]bool{key: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sqlite@3": true}`, string(b))
}

func TestBackendConfig_RedactedParams(t *testing.T) {
	b := BackendConfig{ConnectionParams: backend.Params{"url": "http://x", "apiKey": "s3cr3t", "token": ""}}

	red := b.RedactedParams()
	assert.Equal(t, "http://x", red["url"])
	assert.Equal(t, "[REDACTED]", red["apiKey"])
	assert.Equal(t, "", red["token"])
	assert.Equal(t, "s3cr3t", b.ConnectionParams["apiKey"])
}

func TestRouterConfig_Redacted(t *testing.T) {
	cfg := &RouterConfig{
		PrimaryBackends:  []BackendConfig{{Kind: backend.KindQdrant, ConnectionParams: backend.Params{"apiKey": "k"}}},
		FallbackBackends: []BackendConfig{{Kind: backend.KindChroma, ConnectionParams: backend.Params{"token": "t", "url": "u"}}},
		Source:           "x.yaml",
	}

	red := cfg.Redacted()
	assert.Equal(t, "[REDACTED]", red.PrimaryBackends[0].ConnectionParams["apiKey"])
	assert.Equal(t, "[REDACTED]", red.FallbackBackends[0].ConnectionParams["token"])
	assert.Equal(t, "u", red.FallbackBackends[0].ConnectionParams["url"])
	assert.Equal(t, "x.yaml", red.Source)
	assert.Equal(t, "k", cfg.PrimaryBackends[0].ConnectionParams["apiKey"])
}

func TestTOMLParser(t *testing.T) {
	m, err := TOMLParser().Unmarshal([]byte("a = 1\n[[items]]\nname = \"x\"\n[[items]]\nname = \"y\"\n"))
	require.NoError(t, err)
	items, ok := m["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
	assert.Equal(t, "x", items[0].(map[string]any)["name"])
	assert.Equal(t, int64(1), m["a"])

	out, err := TOMLParser().Marshal(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Contains(t, string(out), "a = 1")
}

func TestCandidatePaths(t *testing.T) {
	assert.Equal(t,
		[]string{"/etc/vr/router.yaml", "/etc/vr/router.yml", "/etc/vr/router.toml"},
		CandidatePaths("/etc/vr/router.yaml"))
	assert.Equal(t,
		[]string{"/etc/vr/router", "/etc/vr/router.yaml", "/etc/vr/router.yml", "/etc/vr/router.toml"},
		CandidatePaths("/etc/vr/router"))
}
