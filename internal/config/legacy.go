package config

import (
	"strings"

	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

// rename is one legacy parameter spelling and the name adapters read.
type rename struct {
	from, to string
}

// legacyKeys lists first-generation parameter names per kind. When several
// legacy spellings target the same name, the earlier entry wins.
var legacyKeys = map[backend.Kind][]rename{
	backend.KindQdrant: {
		{"api_key", "apiKey"},
		{"collection_name", "collection"},
		{"vector_size", "vectorSize"},
		{"use_tls", "useTLS"},
	},
	backend.KindChromem: {
		{"persist_directory", "path"},
		{"index_path", "path"},
	},
	backend.KindChroma: {
		{"api_key", "apiKey"},
		{"tenant_id", "tenant"},
	},
	backend.KindSQLite: {
		{"db_path", "path"},
		{"database", "path"},
	},
}

// TranslateParams rewrites legacy parameter names for kind. Keys without a
// translation are copied unchanged; an already-translated key wins over its
// legacy spellings, and among legacy spellings the table order decides.
func TranslateParams(kind backend.Kind, params map[string]any) backend.Params {
	out := make(backend.Params, len(params))
	table := legacyKeys[kind]
	legacy := make(map[string]bool, len(table))
	for _, r := range table {
		legacy[r.from] = true
	}
	for k, v := range params {
		if !legacy[k] {
			out[k] = v
		}
	}
	for _, r := range table {
		v, ok := params[r.from]
		if !ok {
			continue
		}
		if _, exists := out[r.to]; !exists {
			out[r.to] = v
		}
	}
	return out
}

// MigrateLegacy converts a first-generation document into a RouterConfig.
//
// The legacy layout names one primary backend under primaryBackend.type, keeps
// per-kind parameters in a flat backendParams map and lists fallbacks by bare
// name. Priorities ascend from 1 across primary then fallbacks; entries with
// unknown kinds are logged and skipped without consuming a priority.
func MigrateLegacy(raw map[string]any, logger *zap.Logger) *RouterConfig {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &RouterConfig{SchemaVersion: SchemaCurrent, QueryFallbackEnabled: true}
	params, _ := raw["backendParams"].(map[string]any)
	priority := 1

	accept := func(name string) (BackendConfig, bool) {
		kind, err := backend.ParseKind(name)
		if err != nil {
			logger.Warn("skipping legacy backend with unknown kind", zap.String("kind", name))
			return BackendConfig{}, false
		}
		p, _ := params[name].(map[string]any)
		if p == nil && name != string(kind) {
			p, _ = params[string(kind)].(map[string]any)
		}
		entry := BackendConfig{
			Kind:             kind,
			ConnectionParams: TranslateParams(kind, expandMap(p)),
			Enabled:          true,
			Priority:         priority,
			FallbackEligible: true,
		}
		priority++
		return entry, true
	}

	if name := legacyPrimaryName(raw["primaryBackend"]); name != "" {
		if entry, ok := accept(name); ok {
			cfg.PrimaryBackends = append(cfg.PrimaryBackends, entry)
		}
	}

	switch list := raw["fallbackBackends"].(type) {
	case []any:
		for _, item := range list {
			name := legacyPrimaryName(item)
			if name == "" {
				logger.Warn("skipping malformed legacy fallback entry", zap.Any("entry", item))
				continue
			}
			if entry, ok := accept(name); ok {
				cfg.FallbackBackends = append(cfg.FallbackBackends, entry)
			}
		}
	case string:
		if entry, ok := accept(list); ok {
			cfg.FallbackBackends = append(cfg.FallbackBackends, entry)
		}
	}

	settings := koanf.New(".")
	if err := settings.Load(mapProvider(raw), nil); err != nil {
		logger.Warn("ignoring legacy top-level settings", zap.Error(err))
	}
	legacySetting(settings, "parallelWrites", &cfg.ParallelWrites, logger)
	legacySetting(settings, "queryFallback", &cfg.QueryFallbackEnabled, logger)
	legacySetting(settings, "healthCheckInterval", &cfg.HealthCheckIntervalSeconds, logger)
	legacySetting(settings, "maxConcurrentOperations", &cfg.MaxConcurrentOperations, logger)

	cfg.ensureFallback()
	cfg.applyDefaults()
	return cfg
}

// legacyPrimaryName accepts either a bare name or a map carrying "type".
func legacyPrimaryName(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		s, _ := val["type"].(string)
		return s
	default:
		return ""
	}
}

// legacySetting overwrites dst with key when it is present and decodes.
func legacySetting[T any](k *koanf.Koanf, key string, dst *T, logger *zap.Logger) {
	v, present, err := decodeSetting[T](k, key)
	if err != nil {
		logger.Warn("ignoring invalid setting",
			zap.String("key", key),
			zap.Any("value", k.Get(key)),
			zap.Error(err))
		return
	}
	if present {
		*dst = v
	}
}

// decodeSetting decodes the scalar at key with the connection parameter
// rules. A missing or blank value is reported as not present.
func decodeSetting[T any](k *koanf.Koanf, key string) (T, bool, error) {
	var v T
	if !k.Exists(key) {
		return v, false, nil
	}
	if s, ok := k.Get(key).(string); ok && strings.TrimSpace(s) == "" {
		return v, false, nil
	}
	if err := k.UnmarshalWithConf(key, &v, backend.UnmarshalConf(&v)); err != nil {
		return v, true, err
	}
	return v, true, nil
}
