package config

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

// EnvIndexDir overrides the local index directory probed by Default.
const EnvIndexDir = EnvPrefix + "INDEX_DIR"

// fallbackBasePriority is the first priority given to synthesized fallbacks.
const fallbackBasePriority = 10

// DefaultIndexDir returns $VECTOR_ROUTER_INDEX_DIR or ~/.config/vectorrouter/index.
func DefaultIndexDir() string {
	if dir := os.Getenv(EnvIndexDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vectorrouter", "index")
}

// Default synthesizes a configuration from the environment.
//
// QDRANT_URL or QDRANT_HOST adds a qdrant primary at priority 1 and CHROMA_URL
// adds a chroma primary after it. A non-empty local index directory adds a
// chromem primary. Cloud kinds that are not primaries are listed as fallbacks
// with empty params so status output shows them, and mock always comes last.
func Default(logger *zap.Logger) *RouterConfig {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &RouterConfig{
		SchemaVersion:              SchemaCurrent,
		QueryFallbackEnabled:       true,
		HealthCheckIntervalSeconds: DefaultHealthCheckIntervalSeconds,
		MaxConcurrentOperations:    DefaultMaxConcurrentOperations,
		Source:                     SourceDefault,
	}

	addPrimary := func(kind backend.Kind, params backend.Params) {
		cfg.PrimaryBackends = append(cfg.PrimaryBackends, BackendConfig{
			Kind:             kind,
			ConnectionParams: params,
			Enabled:          true,
			Priority:         len(cfg.PrimaryBackends) + 1,
			FallbackEligible: true,
		})
	}

	if params, ok := qdrantFromEnv(); ok {
		addPrimary(backend.KindQdrant, params)
	}
	if url := os.Getenv("CHROMA_URL"); url != "" {
		params := backend.Params{"url": url}
		if key := os.Getenv("CHROMA_API_KEY"); key != "" {
			params["apiKey"] = key
		}
		addPrimary(backend.KindChroma, params)
	}
	if dir := DefaultIndexDir(); dir != "" && dirHasEntries(dir) {
		addPrimary(backend.KindChromem, backend.Params{"path": dir})
	}

	priority := fallbackBasePriority
	for _, kind := range backend.CloudKinds() {
		if cfg.hasPrimary(kind) {
			continue
		}
		cfg.FallbackBackends = append(cfg.FallbackBackends, BackendConfig{
			Kind:             kind,
			ConnectionParams: backend.Params{},
			Enabled:          true,
			Priority:         priority,
			FallbackEligible: true,
		})
		priority++
	}
	cfg.FallbackBackends = append(cfg.FallbackBackends, BackendConfig{
		Kind:             backend.KindMock,
		ConnectionParams: backend.Params{},
		Enabled:          true,
		Priority:         priority,
		FallbackEligible: true,
	})

	logger.Debug("synthesized default router config",
		zap.Int("primary_backends", len(cfg.PrimaryBackends)),
		zap.Int("fallback_backends", len(cfg.FallbackBackends)))
	return cfg
}

func qdrantFromEnv() (backend.Params, bool) {
	params := backend.Params{}
	switch {
	case os.Getenv("QDRANT_URL") != "":
		params["url"] = os.Getenv("QDRANT_URL")
	case os.Getenv("QDRANT_HOST") != "":
		params["host"] = os.Getenv("QDRANT_HOST")
		if port := os.Getenv("QDRANT_PORT"); port != "" {
			params["port"] = port
		}
	default:
		return nil, false
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		params["apiKey"] = key
	}
	return params, true
}

func (c *RouterConfig) hasPrimary(kind backend.Kind) bool {
	for _, b := range c.PrimaryBackends {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

func dirHasEntries(dir string) bool {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		dir = filepath.Join(home, dir[1:])
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
