package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

// Schema generations understood by the loader.
const (
	SchemaLegacy  = 1
	SchemaCurrent = 2
)

// Defaults applied when a field is absent.
const (
	DefaultHealthCheckIntervalSeconds = 30
	DefaultMaxConcurrentOperations    = 10
)

// SourceDefault marks a configuration synthesized from the environment.
const SourceDefault = "default"

// Tier distinguishes the two backend lists.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// InstanceKey identifies one backend instance. Several instances of the same
// kind coexist as long as their priorities differ.
type InstanceKey struct {
	Kind     backend.Kind `json:"kind"`
	Priority int          `json:"priority"`
}

// String returns "kind@priority".
func (k InstanceKey) String() string {
	return string(k.Kind) + "@" + strconv.Itoa(k.Priority)
}

// MarshalText lets InstanceKey be used as a JSON object key.
func (k InstanceKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// BackendConfig describes one backend instance. It is not modified after load.
type BackendConfig struct {
	Kind             backend.Kind   `json:"kind"`
	ConnectionParams backend.Params `json:"connectionParams"`
	Enabled          bool           `json:"enabled"`
	Priority         int            `json:"priority"`
	FallbackEligible bool           `json:"fallbackEligible"`
}

// Key returns the instance key.
func (b BackendConfig) Key() InstanceKey {
	return InstanceKey{Kind: b.Kind, Priority: b.Priority}
}

// RedactedParams returns a copy of the connection parameters with credential
// values masked, for display.
func (b BackendConfig) RedactedParams() backend.Params {
	out := b.ConnectionParams.Clone()
	for k, v := range out {
		if isSensitiveKey(k) {
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			out[k] = Secret(fmt.Sprint(v)).String()
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"key", "token", "password", "secret"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// RouterConfig is the normalized configuration for one router lifetime. A
// reload produces a new value; existing values are never mutated.
type RouterConfig struct {
	SchemaVersion              int             `json:"schemaVersion"`
	PrimaryBackends            []BackendConfig `json:"primaryBackends"`
	FallbackBackends           []BackendConfig `json:"fallbackBackends"`
	ParallelWrites             bool            `json:"parallelWrites"`
	QueryFallbackEnabled       bool            `json:"queryFallbackEnabled"`
	HealthCheckIntervalSeconds int             `json:"healthCheckIntervalSeconds"`
	MaxConcurrentOperations    int             `json:"maxConcurrentOperations"`

	// Source is the file the configuration was read from, or SourceDefault.
	Source string `json:"source"`
}

// Backends returns primary then fallback entries with their tier.
func (c *RouterConfig) Backends() []TieredBackend {
	out := make([]TieredBackend, 0, len(c.PrimaryBackends)+len(c.FallbackBackends))
	for _, b := range c.PrimaryBackends {
		out = append(out, TieredBackend{BackendConfig: b, Tier: TierPrimary})
	}
	for _, b := range c.FallbackBackends {
		out = append(out, TieredBackend{BackendConfig: b, Tier: TierFallback})
	}
	return out
}

// Redacted returns a copy whose connection parameters have credentials
// masked, for display.
func (c *RouterConfig) Redacted() *RouterConfig {
	out := *c
	redact := func(in []BackendConfig) []BackendConfig {
		res := make([]BackendConfig, len(in))
		for i, b := range in {
			b.ConnectionParams = b.RedactedParams()
			res[i] = b
		}
		return res
	}
	out.PrimaryBackends = redact(c.PrimaryBackends)
	out.FallbackBackends = redact(c.FallbackBackends)
	return &out
}

// TieredBackend is a BackendConfig tagged with the list it came from.
type TieredBackend struct {
	BackendConfig
	Tier Tier
}

// Validate reports problems in the configuration without changing it.
func (c *RouterConfig) Validate() error {
	var errs []error
	seen := make(map[InstanceKey]Tier)
	for _, b := range c.Backends() {
		if !b.Kind.Valid() {
			errs = append(errs, fmt.Errorf("%s backend %q: %w", b.Tier, b.Kind, backend.ErrUnknownKind))
			continue
		}
		if tier, dup := seen[b.Key()]; dup {
			errs = append(errs, fmt.Errorf("duplicate backend instance %s in %s and %s", b.Key(), tier, b.Tier))
			continue
		}
		seen[b.Key()] = b.Tier
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("healthCheckIntervalSeconds must be positive, got %d", c.HealthCheckIntervalSeconds))
	}
	if c.MaxConcurrentOperations <= 0 {
		errs = append(errs, fmt.Errorf("maxConcurrentOperations must be positive, got %d", c.MaxConcurrentOperations))
	}
	return errors.Join(errs...)
}

// applyDefaults fills zero-valued numeric settings.
func (c *RouterConfig) applyDefaults() {
	if c.HealthCheckIntervalSeconds <= 0 {
		c.HealthCheckIntervalSeconds = DefaultHealthCheckIntervalSeconds
	}
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = DefaultMaxConcurrentOperations
	}
}

// ensureFallback appends the mock backend when no fallback is configured.
func (c *RouterConfig) ensureFallback() {
	if len(c.FallbackBackends) > 0 {
		return
	}
	c.FallbackBackends = append(c.FallbackBackends, BackendConfig{
		Kind:             backend.KindMock,
		ConnectionParams: backend.Params{},
		Enabled:          true,
		Priority:         c.nextPriority(),
		FallbackEligible: true,
	})
}

func (c *RouterConfig) nextPriority() int {
	highest := 0
	for _, b := range c.Backends() {
		if b.Priority > highest {
			highest = b.Priority
		}
	}
	return highest + 1
}

// sortByPriority orders both tiers by ascending priority, keeping declaration
// order for ties.
func (c *RouterConfig) sortByPriority() {
	byPriority := func(list []BackendConfig) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	}
	byPriority(c.PrimaryBackends)
	byPriority(c.FallbackBackends)
}

// dropDuplicates removes later entries whose instance key was already seen,
// primary tier first. It returns the dropped keys.
func (c *RouterConfig) dropDuplicates() []InstanceKey {
	seen := make(map[InstanceKey]bool)
	var dropped []InstanceKey
	filter := func(list []BackendConfig) []BackendConfig {
		kept := list[:0]
		for _, b := range list {
			if seen[b.Key()] {
				dropped = append(dropped, b.Key())
				continue
			}
			seen[b.Key()] = true
			kept = append(kept, b)
		}
		return kept
	}
	c.PrimaryBackends = filter(c.PrimaryBackends)
	c.FallbackBackends = filter(c.FallbackBackends)
	return dropped
}
