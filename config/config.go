// Package config loads and validates the udpkitd daemon configuration from
// JSON, with environment-variable expansion and thread-safe access for the
// running process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/c360/udpkit/endpoint"
	"github.com/c360/udpkit/errors"
)

// EndpointConfigs holds endpoint instance configurations keyed by instance
// name (e.g. "udp-sensor-main"). An endpoint is only created when its entry
// has enabled=true.
type EndpointConfigs map[string]EndpointConfig

// Config is the complete daemon configuration.
type Config struct {
	Version   string          `json:"version,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
	Endpoints EndpointConfigs `json:"endpoints"`
	Forward   ForwardConfig   `json:"forward,omitempty"`
}

// HealthConfig controls the HTTP health endpoint.
type HealthConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port,omitempty"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `json:"level,omitempty"`

	// Format is "text" or "json". Defaults to text.
	Format string `json:"format,omitempty"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// EndpointConfig is the on-disk shape of one endpoint. Durations are plain
// milliseconds so config files stay free of Go duration syntax.
type EndpointConfig struct {
	Enabled bool `json:"enabled"`

	Interface string `json:"interface,omitempty"`
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port"`
	Role      string `json:"role,omitempty"`

	TimerIntervalMS    int `json:"timer_interval_ms,omitempty"`
	ReadTimeoutMS      int `json:"read_timeout_ms,omitempty"`
	MaxPayloadSize     int `json:"max_payload_size,omitempty"`
	PayloadSizeCeiling int `json:"payload_size_ceiling,omitempty"`
	BufferCapacity     int `json:"buffer_capacity,omitempty"`
}

// ToEndpointConfig converts the on-disk shape into the runtime one.
func (ec EndpointConfig) ToEndpointConfig() endpoint.Config {
	return endpoint.Config{
		Interface:          ec.Interface,
		IP:                 ec.IP,
		Port:               ec.Port,
		Role:               endpoint.Role(ec.Role),
		TimerInterval:      time.Duration(ec.TimerIntervalMS) * time.Millisecond,
		ReadTimeout:        time.Duration(ec.ReadTimeoutMS) * time.Millisecond,
		MaxPayloadSize:     ec.MaxPayloadSize,
		PayloadSizeCeiling: ec.PayloadSizeCeiling,
		BufferCapacity:     ec.BufferCapacity,
	}
}

// ForwardConfig groups the optional datagram forwarders.
type ForwardConfig struct {
	NATS      NATSConfig      `json:"nats,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
}

// NATSConfig defines the NATS forwarder connection settings.
type NATSConfig struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url,omitempty"`
	SubjectPrefix   string `json:"subject_prefix,omitempty"`
	MaxReconnects   int    `json:"max_reconnects,omitempty"`
	ReconnectWaitMS int    `json:"reconnect_wait_ms,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	Token           string `json:"token,omitempty"`
}

// WebSocketConfig defines the WebSocket broadcaster settings.
type WebSocketConfig struct {
	Enabled        bool   `json:"enabled"`
	Port           int    `json:"port,omitempty"`
	Path           string `json:"path,omitempty"`
	WriteTimeoutMS int    `json:"write_timeout_ms,omitempty"`
	SendBacklog    int    `json:"send_backlog,omitempty"`
}

// Load reads a JSON config file, expands ${VAR} references from the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMissingConfig, err),
			"config", "Load", fmt.Sprintf("read %s", path))
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes raw JSON into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Parse", "decode JSON")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Port == 0 {
		c.Health.Port = 8081
	}
	if c.Forward.NATS.URL == "" {
		c.Forward.NATS.URL = "nats://localhost:4222"
	}
	if c.Forward.NATS.SubjectPrefix == "" {
		c.Forward.NATS.SubjectPrefix = "udpkit.datagrams"
	}
	if c.Forward.NATS.MaxReconnects == 0 {
		c.Forward.NATS.MaxReconnects = 10
	}
	if c.Forward.NATS.ReconnectWaitMS == 0 {
		c.Forward.NATS.ReconnectWaitMS = 2000
	}
	if c.Forward.WebSocket.Port == 0 {
		c.Forward.WebSocket.Port = 8080
	}
	if c.Forward.WebSocket.Path == "" {
		c.Forward.WebSocket.Path = "/stream"
	}
	if c.Forward.WebSocket.WriteTimeoutMS == 0 {
		c.Forward.WebSocket.WriteTimeoutMS = 5000
	}
	if c.Forward.WebSocket.SendBacklog == 0 {
		c.Forward.WebSocket.SendBacklog = 64
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate checks the config for consistency. Endpoint entries are checked
// structurally here; full address resolution happens at endpoint creation.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.level %q", errors.ErrInvalidConfig, c.Logging.Level),
			"config", "Validate", "logging")
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.format %q", errors.ErrInvalidConfig, c.Logging.Format),
			"config", "Validate", "logging")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics.port %d", errors.ErrInvalidConfig, c.Metrics.Port),
			"config", "Validate", "metrics")
	}
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: health.port %d", errors.ErrInvalidConfig, c.Health.Port),
			"config", "Validate", "health")
	}

	for name, ec := range c.Endpoints {
		if name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: endpoint instance name cannot be empty", errors.ErrInvalidConfig),
				"config", "Validate", "endpoints")
		}
		if ec.Port < 0 || ec.Port > 65535 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: endpoint %s port %d", errors.ErrInvalidConfig, name, ec.Port),
				"config", "Validate", "endpoints")
		}
		switch endpoint.Role(ec.Role) {
		case "", endpoint.RoleClient, endpoint.RoleServer:
		default:
			return errors.WrapInvalid(
				fmt.Errorf("%w: endpoint %s role %q", errors.ErrInvalidConfig, name, ec.Role),
				"config", "Validate", "endpoints")
		}
	}

	if c.Forward.NATS.Enabled && c.Forward.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: forward.nats.url is required when enabled", errors.ErrMissingConfig),
			"config", "Validate", "forward")
	}
	if c.Forward.WebSocket.Enabled && (c.Forward.WebSocket.Port < 1 || c.Forward.WebSocket.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: forward.websocket.port %d", errors.ErrInvalidConfig, c.Forward.WebSocket.Port),
			"config", "Validate", "forward")
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a config for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: config cannot be nil", errors.ErrInvalidConfig),
			"config", "Update", "nil check")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
