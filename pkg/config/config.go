package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"fleetdesk/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Relay selects the broadcast relay the operator joins and tunes the
	// relay hub served by cmd/relay.
	Relay struct {
		Driver          string        `yaml:"driver"` // memory | redis | websocket
		URL             string        `yaml:"url"`
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxConnections  int           `yaml:"max_connections"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		WaitForGathering   bool          `yaml:"wait_for_gathering"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		PLIInterval        time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Signaling struct {
		Transport  string `yaml:"transport"` // store | broadcast
		OperatorID string `yaml:"operator_id"`
	} `yaml:"signaling"`

	Liveness struct {
		OnlineThreshold time.Duration `yaml:"online_threshold"`
		PollInterval    time.Duration `yaml:"poll_interval"`
	} `yaml:"liveness"`

	Commands struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"commands"`

	Control struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"control"`

	Store struct {
		Driver string `yaml:"driver"` // memory | redis
	} `yaml:"store"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Storage struct {
		BaseURL string `yaml:"base_url"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"storage"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Relay
	switch c.Relay.Driver {
	case "memory", "redis":
	case "websocket":
		if err := validation.ValidateURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	default:
		return fmt.Errorf("relay.driver must be memory, redis or websocket, got %q", c.Relay.Driver)
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.MaxConnections < 0 {
		return fmt.Errorf("relay.max_connections must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}
	if c.WebRTC.PLIInterval < 0 {
		return fmt.Errorf("webrtc.pli_interval must be >= 0")
	}

	// Signaling
	switch c.Signaling.Transport {
	case "store", "broadcast":
	default:
		return fmt.Errorf("signaling.transport must be store or broadcast, got %q", c.Signaling.Transport)
	}
	if c.Signaling.Transport == "store" && c.Signaling.OperatorID == "" {
		return fmt.Errorf("signaling.operator_id must not be empty when signaling.transport=store")
	}

	// Liveness
	if c.Liveness.OnlineThreshold <= 0 {
		return fmt.Errorf("liveness.online_threshold must be > 0")
	}
	if c.Liveness.PollInterval <= 0 {
		return fmt.Errorf("liveness.poll_interval must be > 0")
	}

	// Commands
	if c.Commands.Timeout < 0 {
		return fmt.Errorf("commands.timeout must be >= 0")
	}

	// Control
	if c.Control.QueueSize < 0 {
		return fmt.Errorf("control.queue_size must be >= 0")
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.driver=redis")
		}
	default:
		return fmt.Errorf("store.driver must be memory or redis, got %q", c.Store.Driver)
	}
	if c.Relay.Driver == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty when relay.driver=redis")
	}
	if c.usesRedis() && c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0 when redis is used")
	}

	// Storage
	if err := validation.ValidateURL(c.Storage.BaseURL); err != nil {
		return fmt.Errorf("storage.base_url: %w", err)
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.HealthCheckTimeout <= 0 {
		return fmt.Errorf("monitoring.health_check_timeout must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func (c *Config) usesRedis() bool {
	return c.Store.Driver == "redis" || c.Relay.Driver == "redis"
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// missing file: defaults plus env
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Driver = "memory"
	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.WaitForGathering = true
	cfg.WebRTC.NegotiationTimeout = 30 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Signaling.Transport = "broadcast"
	cfg.Signaling.OperatorID = "operator"

	cfg.Liveness.OnlineThreshold = 60 * time.Second
	cfg.Liveness.PollInterval = 5 * time.Second

	cfg.Commands.Timeout = 30 * time.Second

	cfg.Control.QueueSize = 64

	cfg.Store.Driver = "memory"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Storage.BaseURL = "http://localhost:54321"
	cfg.Storage.Prefix = "storage/v1/object/public"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second
	cfg.Monitoring.HealthCheckTimeout = 2 * time.Second

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"FLEETDESK_SERVER_ADDRESS":        &c.Server.Address,
		"FLEETDESK_RELAY_DRIVER":          &c.Relay.Driver,
		"FLEETDESK_RELAY_URL":             &c.Relay.URL,
		"FLEETDESK_RELAY_ADDRESS":         &c.Relay.Address,
		"FLEETDESK_SIGNALING_TRANSPORT":   &c.Signaling.Transport,
		"FLEETDESK_SIGNALING_OPERATOR_ID": &c.Signaling.OperatorID,
		"FLEETDESK_STORE_DRIVER":          &c.Store.Driver,
		"FLEETDESK_REDIS_ADDRESS":         &c.Redis.Address,
		"FLEETDESK_REDIS_PASSWORD":        &c.Redis.Password,
		"FLEETDESK_STORAGE_BASE_URL":      &c.Storage.BaseURL,
		"FLEETDESK_LOG_LEVEL":             &c.Logging.Level,
		"FLEETDESK_JAEGER_URL":            &c.Tracing.JaegerURL,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FLEETDESK_COMMANDS_TIMEOUT":           &c.Commands.Timeout,
		"FLEETDESK_LIVENESS_ONLINE_THRESHOLD":  &c.Liveness.OnlineThreshold,
		"FLEETDESK_LIVENESS_POLL_INTERVAL":     &c.Liveness.PollInterval,
		"FLEETDESK_WEBRTC_NEGOTIATION_TIMEOUT": &c.WebRTC.NegotiationTimeout,
	}
	for env, dst := range durations {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = d
	}

	if v := os.Getenv("FLEETDESK_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETDESK_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}
