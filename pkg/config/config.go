// Package config loads and validates the relay router configuration from
// YAML, with environment overrides for the settings that differ between
// deployments.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultBind           = "127.0.0.1:8080"
	DefaultWSPath         = "/ws"
	DefaultMetricsPath    = "/metrics"
	DefaultRealm          = "relay.realm.default"
	DefaultLogLevel       = "info"
	DefaultAuthMode       = "anonymous"
	DefaultOutboundQueue  = 256
	DefaultSendTimeoutMS  = 5000
	DefaultPingIntervalMS = 25000
	DefaultHelloTimeoutMS = 5000
	DefaultReadLimitBytes = 1 << 20

	// MinTicketSecretLength is the minimum length accepted for the
	// ticket-auth HMAC secret.
	MinTicketSecretLength = 32
)

// Config is the complete relay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Router  RouterConfig  `yaml:"router"`
	Realms  []RealmConfig `yaml:"realms"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig controls the HTTP listener hosting the WebSocket endpoint.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	WSPath         string   `yaml:"ws_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RouterConfig controls core routing behavior.
type RouterConfig struct {
	StrictURI        bool `yaml:"strict_uri"`
	AutoRealm        bool `yaml:"auto_realm"`
	HelloTimeoutMS   int  `yaml:"hello_timeout_ms"`
	GoodbyeTimeoutMS int  `yaml:"goodbye_timeout_ms"`
}

// RealmConfig declares one realm and its pre-created topics.
type RealmConfig struct {
	URI    string        `yaml:"uri"`
	Topics []TopicConfig `yaml:"topics"`
}

// TopicConfig declares a persistent topic created at startup, so it
// exists before the first subscriber and survives the last one leaving.
type TopicConfig struct {
	URI   string `yaml:"uri"`
	Match string `yaml:"match"`
}

// AuthConfig selects the session-acceptance hook.
type AuthConfig struct {
	// Mode is "anonymous" or "ticket".
	Mode string `yaml:"mode"`

	// TicketSecret is the HMAC key for ticket mode. Overridable via
	// RELAY_TICKET_SECRET so it stays out of config files.
	TicketSecret string `yaml:"ticket_secret"`

	// DefaultRole is assigned when the authenticator has no better idea.
	DefaultRole string `yaml:"default_role"`
}

// LimitsConfig bounds per-connection resources.
type LimitsConfig struct {
	OutboundQueue  int     `yaml:"outbound_queue"`
	SendTimeoutMS  int     `yaml:"send_timeout_ms"`
	PingIntervalMS int     `yaml:"ping_interval_ms"`
	ReadLimitBytes int64   `yaml:"read_limit_bytes"`
	MessageRate    float64 `yaml:"message_rate"`
	MessageBurst   int     `yaml:"message_burst"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every default applied and a
// single default realm.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Router.HelloTimeoutMS <= 0 {
		c.Router.HelloTimeoutMS = DefaultHelloTimeoutMS
	}
	if len(c.Realms) == 0 {
		c.Realms = []RealmConfig{{URI: DefaultRealm}}
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = DefaultAuthMode
	}
	if c.Limits.OutboundQueue <= 0 {
		c.Limits.OutboundQueue = DefaultOutboundQueue
	}
	if c.Limits.SendTimeoutMS <= 0 {
		c.Limits.SendTimeoutMS = DefaultSendTimeoutMS
	}
	if c.Limits.PingIntervalMS <= 0 {
		c.Limits.PingIntervalMS = DefaultPingIntervalMS
	}
	if c.Limits.ReadLimitBytes <= 0 {
		c.Limits.ReadLimitBytes = DefaultReadLimitBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RELAY_TICKET_SECRET"); v != "" {
		c.Auth.TicketSecret = v
	}
	if v := os.Getenv("RELAY_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("config: invalid server.bind %q: %w", c.Server.Bind, err)
	}
	seen := make(map[string]bool, len(c.Realms))
	for _, realm := range c.Realms {
		if realm.URI == "" {
			return fmt.Errorf("config: realm with empty uri")
		}
		if seen[realm.URI] {
			return fmt.Errorf("config: duplicate realm %q", realm.URI)
		}
		seen[realm.URI] = true
	}
	switch c.Auth.Mode {
	case "anonymous":
	case "ticket":
		if len(c.Auth.TicketSecret) < MinTicketSecretLength {
			return fmt.Errorf("config: auth.ticket_secret must be at least %d bytes", MinTicketSecretLength)
		}
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
