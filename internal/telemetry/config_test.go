package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, 1.0, cfg.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled local", func(c *Config) { c.Enabled = true }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint is required"},
		{"missing service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, "service_name is required"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol must be"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, "not allowed"},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example.com:4317"
			c.Insecure = false
		}, ""},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
		{"http scheme loopback", func(c *Config) {
			c.Enabled = true
			c.Protocol = ProtocolHTTP
			c.Endpoint = "http://127.0.0.1:4318"
		}, ""},
		{"rate too high", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, "sample_rate"},
		{"zero shutdown", func(c *Config) { c.Enabled = true; c.ShutdownAfter = 0 }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"ENABLED", "true")
	t.Setenv(EnvPrefix+"ENDPOINT", "localhost:14317")
	t.Setenv(EnvPrefix+"PROTOCOL", ProtocolHTTP)
	t.Setenv(EnvPrefix+"SAMPLE_RATE", "0.25")
	t.Setenv(EnvPrefix+"SHUTDOWN_TIMEOUT", "2s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "localhost:14317", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, 2*time.Second, cfg.ShutdownAfter.Duration())
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv(EnvPrefix+"ENABLED", "true")
	t.Setenv(EnvPrefix+"ENDPOINT", "otel.example.com:4317")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestConfigFromEnv_BadDuration(t *testing.T) {
	t.Setenv(EnvPrefix+"SHUTDOWN_TIMEOUT", "soon")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}
