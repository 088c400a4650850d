package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

// EnvPrefix scopes the telemetry environment variables.
const EnvPrefix = config.EnvPrefix + "OTEL_"

// Supported OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool            `koanf:"enabled"`
	Endpoint       string          `koanf:"endpoint"`
	Protocol       string          `koanf:"protocol"`
	ServiceName    string          `koanf:"service_name"`
	ServiceVersion string          `koanf:"service_version"`
	Insecure       bool            `koanf:"insecure"`
	SampleRate     float64         `koanf:"sample_rate"`
	ShutdownAfter  config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns the defaults. Tracing is disabled until an
// endpoint is deliberately enabled.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "vectorrouter",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		SampleRate:     1.0,
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// ConfigFromEnv overlays VECTOR_ROUTER_OTEL_* variables on the defaults:
// ENABLED, ENDPOINT, PROTOCOL, SERVICE_NAME, SERVICE_VERSION, INSECURE,
// SAMPLE_RATE and SHUTDOWN_TIMEOUT.
func ConfigFromEnv() (*Config, error) {
	cfg := NewDefaultConfig()

	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading telemetry environment: %w", err)
	}

	if k.Exists("enabled") {
		cfg.Enabled = k.Bool("enabled")
	}
	if v := k.String("endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if v := k.String("protocol"); v != "" {
		cfg.Protocol = v
	}
	if v := k.String("service_name"); v != "" {
		cfg.ServiceName = v
	}
	if v := k.String("service_version"); v != "" {
		cfg.ServiceVersion = v
	}
	if k.Exists("insecure") {
		cfg.Insecure = k.Bool("insecure")
	}
	if k.Exists("sample_rate") {
		cfg.SampleRate = k.Float64("sample_rate")
	}
	if v := k.String("shutdown_timeout"); v != "" {
		if err := cfg.ShutdownAfter.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid %sSHUTDOWN_TIMEOUT %q: %w", EnvPrefix, v, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}
	// Plaintext export is only allowed to a collector on this host.
	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure export to remote endpoint %q is not allowed", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %g", c.SampleRate)
	}
	if c.ShutdownAfter.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	switch {
	case strings.HasPrefix(host, "["):
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	case strings.Count(host, ":") == 1:
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func stripScheme(endpoint string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, scheme) {
			return strings.TrimPrefix(endpoint, scheme)
		}
	}
	return endpoint
}
