package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"crowdlink/pkg/validation"

	"gopkg.in/yaml.v2"
)

// ICEServer is one STUN/TURN entry handed to the direct-link connector.
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
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
		MaxRoomSize     int           `yaml:"max_room_size"`
	} `yaml:"server"`

	Relay struct {
		URL          string        `yaml:"url"`
		URLs         []string      `yaml:"urls"`
		Token        string        `yaml:"token"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		Reconnect    struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"reconnect"`
	} `yaml:"relay"`

	Session struct {
		RoomID          string `yaml:"room_id"`
		PeerID          string `yaml:"peer_id"`
		DisplayName     string `yaml:"display_name"`
		RoutePreference string `yaml:"route_preference"`
		DiagnosticsAddr string `yaml:"diagnostics_address"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ChannelLabel string `yaml:"channel_label"`
	} `yaml:"webrtc"`

	Links struct {
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		StallTimeout       time.Duration `yaml:"stall_timeout"`
		CheckInterval      time.Duration `yaml:"check_interval"`
		RetryDelay         time.Duration `yaml:"retry_delay"`
		LowLatency         time.Duration `yaml:"low_latency"`
		HighLatency        time.Duration `yaml:"high_latency"`
	} `yaml:"links"`

	Breaker struct {
		FailureThreshold    int           `yaml:"failure_threshold"`
		RecoveryWindow      time.Duration `yaml:"recovery_window"`
		DirectFailureWindow time.Duration `yaml:"direct_failure_window"`
	} `yaml:"breaker"`

	Dedup struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"dedup"`

	Bridge struct {
		AlwaysEnabled         bool               `yaml:"always_enabled"`
		MaxHops               int                `yaml:"max_hops"`
		Backoff               []time.Duration    `yaml:"backoff"`
		MaxAttemptsHigh       int                `yaml:"max_attempts_high"`
		MaxAttempts           int                `yaml:"max_attempts"`
		TTLHigh               time.Duration      `yaml:"ttl_high"`
		TTLNormal             time.Duration      `yaml:"ttl_normal"`
		TTLLow                time.Duration      `yaml:"ttl_low"`
		DrainInterval         time.Duration      `yaml:"drain_interval"`
		CriticalDrainInterval time.Duration      `yaml:"critical_drain_interval"`
		BatchSize             map[string]int     `yaml:"batch_size"`
		FanoutProbability     map[string]float64 `yaml:"fanout_probability"`
		MinReliableNeighbors  int                `yaml:"min_reliable_neighbors"`
	} `yaml:"bridge"`

	Monitor struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		AdjacencyTTL   time.Duration `yaml:"adjacency_ttl"`
	} `yaml:"monitor"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

var qualityTiers = []string{"excellent", "good", "poor", "critical"}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > server.ping_interval")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be > 0")
	}

	// Relay client
	if err := validation.ValidateRelayURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	for i, u := range c.Relay.URLs {
		if err := validation.ValidateRelayURL(u); err != nil {
			return fmt.Errorf("relay.urls[%d]: %w", i, err)
		}
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.Reconnect.InitialDelay <= 0 || c.Relay.Reconnect.MaxDelay < c.Relay.Reconnect.InitialDelay {
		return fmt.Errorf("relay.reconnect delays must be > 0 and max_delay >= initial_delay")
	}
	if c.Relay.Reconnect.Multiplier < 1 {
		return fmt.Errorf("relay.reconnect.multiplier must be >= 1")
	}

	// Session
	if c.Session.RoomID != "" {
		if err := validation.ValidateRoomID(c.Session.RoomID); err != nil {
			return fmt.Errorf("session.room_id: %w", err)
		}
	}
	if c.Session.PeerID != "" {
		if err := validation.ValidatePeerID(c.Session.PeerID); err != nil {
			return fmt.Errorf("session.peer_id: %w", err)
		}
	}
	if err := validation.ValidateDisplayName(c.Session.DisplayName); err != nil {
		return fmt.Errorf("session.display_name: %w", err)
	}
	switch c.Session.RoutePreference {
	case "auto", "relay", "direct", "mesh":
	default:
		return fmt.Errorf("session.route_preference must be one of auto, relay, direct, mesh")
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

	// Links
	if c.Links.NegotiationTimeout <= 0 {
		return fmt.Errorf("links.negotiation_timeout must be > 0")
	}
	if c.Links.StallTimeout <= 0 || c.Links.StallTimeout >= c.Links.NegotiationTimeout {
		return fmt.Errorf("links.stall_timeout must be > 0 and < links.negotiation_timeout")
	}
	if c.Links.CheckInterval <= 0 || c.Links.RetryDelay <= 0 {
		return fmt.Errorf("links.check_interval and links.retry_delay must be > 0")
	}
	if c.Links.HighLatency < c.Links.LowLatency {
		return fmt.Errorf("links.high_latency must be >= links.low_latency")
	}

	// Breaker
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.RecoveryWindow <= 0 {
		return fmt.Errorf("breaker.recovery_window must be > 0")
	}

	// Dedup
	if c.Dedup.Capacity < 2 {
		return fmt.Errorf("dedup.capacity must be >= 2")
	}

	// Bridge
	if c.Bridge.MaxHops <= 0 {
		return fmt.Errorf("bridge.max_hops must be > 0")
	}
	if len(c.Bridge.Backoff) == 0 {
		return fmt.Errorf("bridge.backoff must not be empty")
	}
	if c.Bridge.MaxAttemptsHigh <= 0 || c.Bridge.MaxAttempts <= 0 {
		return fmt.Errorf("bridge.max_attempts and bridge.max_attempts_high must be > 0")
	}
	if c.Bridge.TTLHigh <= 0 || c.Bridge.TTLNormal <= 0 || c.Bridge.TTLLow <= 0 {
		return fmt.Errorf("bridge ttl values must be > 0")
	}
	if c.Bridge.DrainInterval <= 0 || c.Bridge.CriticalDrainInterval <= 0 {
		return fmt.Errorf("bridge drain intervals must be > 0")
	}
	for _, tier := range qualityTiers {
		if c.Bridge.BatchSize[tier] <= 0 {
			return fmt.Errorf("bridge.batch_size.%s must be > 0", tier)
		}
		if p := c.Bridge.FanoutProbability[tier]; p <= 0 || p > 1 {
			return fmt.Errorf("bridge.fanout_probability.%s must be in (0, 1]", tier)
		}
	}

	// Monitor
	if c.Monitor.SampleInterval <= 0 || c.Monitor.AdjacencyTTL <= 0 {
		return fmt.Errorf("monitor.sample_interval and monitor.adjacency_ttl must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
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

	cfg.Server.Address = ":8081"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.PingInterval = 20 * time.Second
	cfg.Server.PongTimeout = 45 * time.Second
	cfg.Server.MaxMessageSize = 64 * 1024
	cfg.Server.MaxRoomSize = 16

	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.DialTimeout = 10 * time.Second
	cfg.Relay.WriteTimeout = 5 * time.Second
	cfg.Relay.PingInterval = 5 * time.Second
	cfg.Relay.PongTimeout = 15 * time.Second
	cfg.Relay.Reconnect.InitialDelay = time.Second
	cfg.Relay.Reconnect.MaxDelay = 30 * time.Second
	cfg.Relay.Reconnect.Multiplier = 2.0

	cfg.Session.RoutePreference = "auto"

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.ChannelLabel = "chat"

	cfg.Links.NegotiationTimeout = 15 * time.Second
	cfg.Links.StallTimeout = 6 * time.Second
	cfg.Links.CheckInterval = time.Second
	cfg.Links.RetryDelay = 10 * time.Second
	cfg.Links.LowLatency = 150 * time.Millisecond
	cfg.Links.HighLatency = 250 * time.Millisecond

	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.RecoveryWindow = 30 * time.Second
	cfg.Breaker.DirectFailureWindow = time.Minute

	cfg.Dedup.Capacity = 1000

	cfg.Bridge.AlwaysEnabled = false
	cfg.Bridge.MaxHops = 3
	cfg.Bridge.Backoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}
	cfg.Bridge.MaxAttemptsHigh = 5
	cfg.Bridge.MaxAttempts = 3
	cfg.Bridge.TTLHigh = 120 * time.Second
	cfg.Bridge.TTLNormal = 60 * time.Second
	cfg.Bridge.TTLLow = 30 * time.Second
	cfg.Bridge.DrainInterval = 5 * time.Second
	cfg.Bridge.CriticalDrainInterval = 10 * time.Second
	cfg.Bridge.BatchSize = map[string]int{"excellent": 10, "good": 8, "poor": 4, "critical": 2}
	cfg.Bridge.FanoutProbability = map[string]float64{"excellent": 0.3, "good": 0.4, "poor": 0.6, "critical": 0.8}
	cfg.Bridge.MinReliableNeighbors = 2

	cfg.Monitor.SampleInterval = 5 * time.Second
	cfg.Monitor.AdjacencyTTL = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "crowdlink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.MessagesPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CROWDLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("CROWDLINK_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if token := os.Getenv("CROWDLINK_RELAY_TOKEN"); token != "" {
		c.Relay.Token = token
	}
	if room := os.Getenv("CROWDLINK_ROOM"); room != "" {
		c.Session.RoomID = room
	}
	if peer := os.Getenv("CROWDLINK_PEER_ID"); peer != "" {
		c.Session.PeerID = peer
	}
	if pref := os.Getenv("CROWDLINK_ROUTE_PREFERENCE"); pref != "" {
		c.Session.RoutePreference = strings.ToLower(pref)
	}
	if level := os.Getenv("CROWDLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CROWDLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CROWDLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
