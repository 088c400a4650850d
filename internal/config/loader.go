// Package config loads the router configuration.
//
// Two schema generations are accepted. The current one (schemaVersion: 2)
// lists primaryBackends and fallbackBackends as entries carrying kind and
// connectionParams. The legacy one names a single primaryBackend.type, a flat
// backendParams map and bare fallback names; it is converted by MigrateLegacy.
// Files without a version are classified by shape.
//
// Load never fails: a missing, unreadable or malformed file is logged and
// replaced by a configuration synthesized from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment variable the loader reads itself.
	EnvPrefix = "VECTOR_ROUTER_"

	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = EnvPrefix + "CONFIG"
)

// ErrNotFound is returned by LoadFile when neither the path nor any sibling
// extension exists.
var ErrNotFound = errors.New("config file not found")

// siblingExtensions are tried, in order, when the configured path is missing.
var siblingExtensions = []string{".yaml", ".yml", ".toml"}

// DefaultPath returns ~/.config/vectorrouter/router.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "vectorrouter", "router.yaml")
	}
	return filepath.Join(home, ".config", "vectorrouter", "router.yaml")
}

// ResolvePath picks the config path: the argument, then $VECTOR_ROUTER_CONFIG,
// then DefaultPath.
func ResolvePath(path string) string {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath()
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return path
}

// Load returns the router configuration for path (see ResolvePath). Errors
// are logged and degrade to Default. Environment overrides are applied last.
func Load(path string, logger *zap.Logger) *RouterConfig {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := LoadFile(path, logger)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Info("no router config file, using default configuration",
			zap.String("path", ResolvePath(path)))
		cfg = Default(logger)
	case err != nil:
		logger.Warn("failed to load router config, using default configuration",
			zap.String("path", ResolvePath(path)),
			zap.Error(err))
		cfg = Default(logger)
	}

	applyEnvOverrides(cfg, logger)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		logger.Warn("router config has problems", zap.Error(err))
	}
	return cfg
}

// LoadFile reads and normalizes one config file. Unlike Load it reports
// errors and applies no environment overrides.
func LoadFile(path string, logger *zap.Logger) (*RouterConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	found, err := findConfigFile(ResolvePath(path))
	if err != nil {
		return nil, err
	}

	content, err := readConfigFile(found)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), parserFor(found)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", found, err)
	}

	raw := expandMap(k.Raw())

	var cfg *RouterConfig
	switch schemaVersionOf(raw, logger) {
	case SchemaLegacy:
		// Only legacy backendParams are expanded a second time, inside
		// MigrateLegacy.
		logger.Info("migrating legacy router config", zap.String("path", found))
		cfg = MigrateLegacy(raw, logger)
	default:
		cfg, err = decodeCurrent(raw, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", found, err)
		}
	}

	finalize(cfg, logger)
	cfg.Source = found
	return cfg, nil
}

// CandidatePaths lists the files Load may read for path: path itself, then
// its siblings with each supported extension.
func CandidatePaths(path string) []string {
	out := []string{path}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range siblingExtensions {
		if candidate := base + ext; candidate != path {
			out = append(out, candidate)
		}
	}
	return out
}

func findConfigFile(path string) (string, error) {
	for _, candidate := range CandidatePaths(path) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigFileSize)
	}
	return content, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOMLParser()
	}
	return yaml.Parser()
}

// schemaVersionOf honours an explicit schemaVersion and otherwise classifies
// the document by shape: it is current iff a backend list holds entries that
// already carry kind or connectionParams.
func schemaVersionOf(raw map[string]any, logger *zap.Logger) int {
	if v, ok := raw["schemaVersion"]; ok {
		k := koanf.New(".")
		_ = k.Load(mapProvider(raw), nil)
		n, _, err := decodeSetting[int](k, "schemaVersion")
		if err == nil && (n == SchemaLegacy || n == SchemaCurrent) {
			return n
		}
		logger.Warn("unsupported schemaVersion, detecting schema from content", zap.Any("schemaVersion", v))
	}
	for _, key := range []string{"primaryBackends", "fallbackBackends"} {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if _, ok := entry["kind"]; ok {
				return SchemaCurrent
			}
			if _, ok := entry["connectionParams"]; ok {
				return SchemaCurrent
			}
		}
	}
	return SchemaLegacy
}

// document is the on-disk shape of the current schema. Pointers tell absent
// fields from zero values.
type document struct {
	SchemaVersion              int             `koanf:"schemaVersion"`
	PrimaryBackends            []documentEntry `koanf:"primaryBackends"`
	FallbackBackends           []documentEntry `koanf:"fallbackBackends"`
	ParallelWrites             bool            `koanf:"parallelWrites"`
	QueryFallbackEnabled       *bool           `koanf:"queryFallbackEnabled"`
	HealthCheckIntervalSeconds int             `koanf:"healthCheckIntervalSeconds"`
	MaxConcurrentOperations    int             `koanf:"maxConcurrentOperations"`
}

type documentEntry struct {
	Kind             string         `koanf:"kind"`
	ConnectionParams map[string]any `koanf:"connectionParams"`
	Enabled          *bool          `koanf:"enabled"`
	Priority         *int           `koanf:"priority"`
	FallbackEligible *bool          `koanf:"fallbackEligible"`
}

// mapProvider feeds an already-parsed map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("mapProvider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

func decodeCurrent(raw map[string]any, logger *zap.Logger) (*RouterConfig, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(raw), nil); err != nil {
		return nil, err
	}
	var doc document
	if err := k.UnmarshalWithConf("", &doc, backend.UnmarshalConf(&doc)); err != nil {
		return nil, err
	}

	cfg := &RouterConfig{
		SchemaVersion:              SchemaCurrent,
		ParallelWrites:             doc.ParallelWrites,
		QueryFallbackEnabled:       true,
		HealthCheckIntervalSeconds: doc.HealthCheckIntervalSeconds,
		MaxConcurrentOperations:    doc.MaxConcurrentOperations,
	}
	if doc.QueryFallbackEnabled != nil {
		cfg.QueryFallbackEnabled = *doc.QueryFallbackEnabled
	}

	position := 0
	convert := func(tier Tier, entries []documentEntry) []BackendConfig {
		var out []BackendConfig
		for _, e := range entries {
			position++
			kind, err := backend.ParseKind(e.Kind)
			if err != nil {
				logger.Warn("skipping backend with unknown kind",
					zap.String("tier", string(tier)),
					zap.String("kind", e.Kind))
				continue
			}
			bc := BackendConfig{
				Kind:             kind,
				ConnectionParams: backend.Params(e.ConnectionParams),
				Enabled:          true,
				Priority:         position,
				FallbackEligible: true,
			}
			if bc.ConnectionParams == nil {
				bc.ConnectionParams = backend.Params{}
			}
			if e.Enabled != nil {
				bc.Enabled = *e.Enabled
			}
			if e.Priority != nil {
				bc.Priority = *e.Priority
			}
			if e.FallbackEligible != nil {
				bc.FallbackEligible = *e.FallbackEligible
			}
			out = append(out, bc)
		}
		return out
	}
	cfg.PrimaryBackends = convert(TierPrimary, doc.PrimaryBackends)
	cfg.FallbackBackends = convert(TierFallback, doc.FallbackBackends)
	return cfg, nil
}

// finalize applies the steps shared by both schemas.
func finalize(cfg *RouterConfig, logger *zap.Logger) {
	for _, key := range cfg.dropDuplicates() {
		logger.Warn("dropping duplicate backend instance", zap.Stringer("instance", key))
	}
	cfg.ensureFallback()
	cfg.sortByPriority()
	cfg.applyDefaults()
}

// applyEnvOverrides reads VECTOR_ROUTER_PARALLEL_WRITES, _QUERY_FALLBACK,
// _HEALTH_CHECK_INTERVAL and _MAX_CONCURRENT_OPERATIONS.
func applyEnvOverrides(cfg *RouterConfig, logger *zap.Logger) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		logger.Warn("failed to read environment overrides", zap.Error(err))
		return
	}

	warn := func(key string, err error) {
		logger.Warn("ignoring invalid environment override",
			zap.String("variable", EnvPrefix+strings.ToUpper(key)),
			zap.String("value", k.String(key)),
			zap.Error(err))
	}
	overrideBool := func(key string, dst *bool) {
		v, present, err := decodeSetting[bool](k, key)
		if err != nil {
			warn(key, err)
			return
		}
		if present {
			*dst = v
		}
	}
	overrideInt := func(key string, dst *int) {
		v, present, err := decodeSetting[int](k, key)
		if err == nil && present && v <= 0 {
			err = fmt.Errorf("must be positive, got %d", v)
		}
		if err != nil {
			warn(key, err)
			return
		}
		if present {
			*dst = v
		}
	}

	overrideBool("parallel_writes", &cfg.ParallelWrites)
	overrideBool("query_fallback", &cfg.QueryFallbackEnabled)
	overrideInt("health_check_interval", &cfg.HealthCheckIntervalSeconds)
	overrideInt("max_concurrent_operations", &cfg.MaxConcurrentOperations)
}
