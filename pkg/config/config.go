package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"livebid/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// APIToken guards the local action API; empty disables the check.
		APIToken string `yaml:"api_token"`
	} `yaml:"server"`

	Signal struct {
		URL                  string        `yaml:"url"`
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		AuthTimeout          time.Duration `yaml:"auth_timeout"`
		RequestTimeout       time.Duration `yaml:"request_timeout"`
		MediaTimeout         time.Duration `yaml:"media_timeout"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		ReadTimeout          time.Duration `yaml:"read_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ReconnectMinDelay    time.Duration `yaml:"reconnect_min_delay"`
		ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
		DedupTTL             time.Duration `yaml:"dedup_ttl"`
		MessagesPerSecond    float64       `yaml:"messages_per_second"`
		Burst                int           `yaml:"burst"`
	} `yaml:"signal"`

	Identity struct {
		UserID      string `yaml:"user_id"`
		DisplayName string `yaml:"display_name"`
		Token       string `yaml:"token"`
	} `yaml:"identity"`

	Media struct {
		Enabled           bool          `yaml:"enabled"`
		CapabilityRetries int           `yaml:"capability_retries"`
		CapabilityBackoff time.Duration `yaml:"capability_backoff"`
		SampleInterval    time.Duration `yaml:"sample_interval"`
		Ingest            struct {
			AudioAddr string `yaml:"audio_addr"`
			VideoAddr string `yaml:"video_addr"`
		} `yaml:"ingest"`
	} `yaml:"media"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
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

	Redis struct {
		Enabled    bool   `yaml:"enabled"`
		Address    string `yaml:"address"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		PoolSize   int    `yaml:"pool_size"`
		Channel    string `yaml:"channel"`
		InstanceID string `yaml:"instance_id"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
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
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":     c.Signal.ConnectTimeout,
		"auth_timeout":        c.Signal.AuthTimeout,
		"request_timeout":     c.Signal.RequestTimeout,
		"media_timeout":       c.Signal.MediaTimeout,
		"reconnect_min_delay": c.Signal.ReconnectMinDelay,
		"reconnect_max_delay": c.Signal.ReconnectMaxDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("signal.%s must be > 0", name)
		}
	}
	if c.Signal.ReconnectMinDelay > c.Signal.ReconnectMaxDelay {
		return fmt.Errorf("signal.reconnect_min_delay must be <= reconnect_max_delay")
	}
	if c.Signal.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("signal.max_reconnect_attempts must be > 0")
	}
	if c.Signal.HeartbeatInterval < 0 {
		return fmt.Errorf("signal.heartbeat_interval must be >= 0")
	}
	if c.Signal.DedupTTL < 0 {
		return fmt.Errorf("signal.dedup_ttl must be >= 0")
	}
	if c.Signal.MessagesPerSecond > 0 && c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0 when messages_per_second is set")
	}

	// Identity
	if c.Identity.Token == "" {
		return fmt.Errorf("identity.token must not be empty")
	}
	if c.Identity.UserID != "" {
		if err := validation.ValidateID("identity.user_id", c.Identity.UserID); err != nil {
			return err
		}
	}
	if err := validation.ValidateDisplayName(c.Identity.DisplayName); err != nil {
		return fmt.Errorf("identity.display_name: %w", err)
	}

	// Media
	if c.Media.CapabilityRetries < 0 {
		return fmt.Errorf("media.capability_retries must be >= 0")
	}
	if c.Media.CapabilityBackoff < 0 {
		return fmt.Errorf("media.capability_backoff must be >= 0")
	}
	if c.Media.SampleInterval <= 0 {
		return fmt.Errorf("media.sample_interval must be > 0")
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

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateHTTPURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
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
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
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
	cfg.Server.WriteTimeout = 0 // SSE streams stay open
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.URL = "ws://localhost:3000/ws"
	cfg.Signal.ConnectTimeout = 20 * time.Second
	cfg.Signal.AuthTimeout = 20 * time.Second
	cfg.Signal.RequestTimeout = 30 * time.Second
	cfg.Signal.MediaTimeout = 15 * time.Second
	cfg.Signal.HeartbeatInterval = 25 * time.Second
	cfg.Signal.ReadTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxReconnectAttempts = 10
	cfg.Signal.ReconnectMinDelay = time.Second
	cfg.Signal.ReconnectMaxDelay = 5 * time.Second
	cfg.Signal.DedupTTL = 5 * time.Second
	cfg.Signal.MessagesPerSecond = 50
	cfg.Signal.Burst = 100

	cfg.Media.Enabled = true
	cfg.Media.CapabilityRetries = 3
	cfg.Media.CapabilityBackoff = time.Second
	cfg.Media.SampleInterval = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "livebid:events"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVEBID_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if token := os.Getenv("LIVEBID_API_TOKEN"); token != "" {
		c.Server.APIToken = token
	}
	if url := os.Getenv("LIVEBID_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if token := os.Getenv("LIVEBID_AUTH_TOKEN"); token != "" {
		c.Identity.Token = token
	}
	if id := os.Getenv("LIVEBID_USER_ID"); id != "" {
		c.Identity.UserID = id
	}
	if name := os.Getenv("LIVEBID_DISPLAY_NAME"); name != "" {
		c.Identity.DisplayName = name
	}
	if level := os.Getenv("LIVEBID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("LIVEBID_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("LIVEBID_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("LIVEBID_MEDIA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Media.Enabled = enabled
		}
	}
}
