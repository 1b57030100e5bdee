// ABOUTME: Configuration loading for the relay, proxy and connector processes.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay is the configuration for the relay router process.
type Relay struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Proxy is the configuration for the edge reverse proxy process.
type Proxy struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayLink      `yaml:"relay"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Connector is the configuration for the on-premise connector agent.
type Connector struct {
	Relay   ConnectorLink `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds listen address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds relay handshake credentials.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	PeerSecret string `yaml:"peer_secret"`
}

// DatabaseConfig holds the SQLite database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds liveness timing for connected agents.
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	StaleAfter        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	StaleAfterRaw        string `yaml:"stale_after"`
}

// RelayLink configures the proxy's single outbound relay connection.
type RelayLink struct {
	URL            string        `yaml:"url"`
	PeerSecret     string        `yaml:"peer_secret"`
	ReconnectDelay time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ConnectorLink configures the connector's outbound relay connection.
type ConnectorLink struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	ReconnectDelay time.Duration `yaml:"-"`

	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// RedisConfig holds the optional Redis session store settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Timing defaults applied when the config file leaves them unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 90 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
)

// LoadRelay reads and validates a relay configuration file.
func LoadRelay(path string) (*Relay, error) {
	var cfg Relay
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if err := parseDuration(&cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatIntervalRaw, DefaultHeartbeatInterval, "agents.heartbeat_interval"); err != nil {
		return nil, err
	}
	if err := parseDuration(&cfg.Agents.StaleAfter, cfg.Agents.StaleAfterRaw, DefaultStaleAfter, "agents.stale_after"); err != nil {
		return nil, err
	}

	if cfg.Server.HTTPAddr == "" {
		return nil, fmt.Errorf("server.http_addr is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Auth.PeerSecret == "" {
		return nil, fmt.Errorf("auth.peer_secret is required")
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("database.path is required")
	}
	return &cfg, nil
}

// LoadProxy reads and validates a proxy configuration file.
func LoadProxy(path string) (*Proxy, error) {
	var cfg Proxy
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if err := parseDuration(&cfg.Relay.ReconnectDelay, cfg.Relay.ReconnectDelayRaw, DefaultReconnectDelay, "relay.reconnect_delay"); err != nil {
		return nil, err
	}
	if err := parseDuration(&cfg.Relay.RequestTimeout, cfg.Relay.RequestTimeoutRaw, DefaultRequestTimeout, "relay.request_timeout"); err != nil {
		return nil, err
	}

	if cfg.Server.HTTPAddr == "" {
		return nil, fmt.Errorf("server.http_addr is required")
	}
	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Relay.PeerSecret == "" {
		return nil, fmt.Errorf("relay.peer_secret is required")
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("database.path is required")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return &cfg, nil
}

// LoadConnector reads and validates a connector configuration file.
func LoadConnector(path string) (*Connector, error) {
	var cfg Connector
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if err := parseDuration(&cfg.Relay.ReconnectDelay, cfg.Relay.ReconnectDelayRaw, DefaultReconnectDelay, "relay.reconnect_delay"); err != nil {
		return nil, err
	}

	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Relay.Token == "" {
		return nil, fmt.Errorf("relay.token is required")
	}
	return &cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDuration(dst *time.Duration, raw string, fallback time.Duration, field string) error {
	if raw == "" {
		*dst = fallback
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}
