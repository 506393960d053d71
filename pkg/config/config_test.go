package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Liveness.OnlineThreshold)
	assert.Equal(t, 5*time.Second, cfg.Liveness.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, 3*time.Second, cfg.WebRTC.PLIInterval)
	assert.Equal(t, "broadcast", cfg.Signaling.Transport)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"unknown relay driver", func(c *Config) { c.Relay.Driver = "kafka" }},
		{"websocket relay without url", func(c *Config) { c.Relay.Driver = "websocket"; c.Relay.URL = "" }},
		{"websocket relay with http url", func(c *Config) { c.Relay.Driver = "websocket"; c.Relay.URL = "ftp://relay" }},
		{"storage without base url", func(c *Config) { c.Storage.BaseURL = "" }},
		{"storage base url without host", func(c *Config) { c.Storage.BaseURL = "http://" }},
		{"pong before ping", func(c *Config) { c.Relay.PongTimeout = c.Relay.PingInterval }},
		{"unknown transport", func(c *Config) { c.Signaling.Transport = "carrier-pigeon" }},
		{"store transport without operator", func(c *Config) { c.Signaling.Transport = "store"; c.Signaling.OperatorID = "" }},
		{"zero liveness threshold", func(c *Config) { c.Liveness.OnlineThreshold = 0 }},
		{"zero poll interval", func(c *Config) { c.Liveness.PollInterval = 0 }},
		{"negative command timeout", func(c *Config) { c.Commands.Timeout = -time.Second }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"redis store without address", func(c *Config) { c.Store.Driver = "redis"; c.Redis.Address = "" }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 50000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max = 50010, 50000 }},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_ZeroCommandTimeoutDisablesExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commands.Timeout = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
signaling:
  transport: store
  operator_id: dashboard
liveness:
  online_threshold: 90s
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
  port_range:
    min: 50000
    max: 50100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("FLEETDESK_LOG_LEVEL", "debug")
	t.Setenv("FLEETDESK_COMMANDS_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "store", cfg.Signaling.Transport)
	assert.Equal(t, "dashboard", cfg.Signaling.OperatorID)
	assert.Equal(t, 90*time.Second, cfg.Liveness.OnlineThreshold)
	assert.Equal(t, 5*time.Second, cfg.Liveness.PollInterval)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.EqualValues(t, 50000, cfg.WebRTC.PortRange.Min)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Commands.Timeout)
}

func TestLoadRejectsBadEnvDuration(t *testing.T) {
	t.Setenv("FLEETDESK_COMMANDS_TIMEOUT", "soon")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: postgres\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "store.driver")
}
