// ABOUTME: Configuration loading and parsing for ursender
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ursender configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Network  NetworkConfig  `yaml:"network"`
	Backend  BackendConfig  `yaml:"backend"`
	Outbound OutboundConfig `yaml:"outbound"`
	Database DatabaseConfig `yaml:"database"`
	License  LicenseConfig  `yaml:"license"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	// Dir holds credential blobs and chat cache files, one set per session
	Dir string `yaml:"dir"`

	// ClientName is advertised to the messaging network as the device name
	ClientName string `yaml:"client_name"`

	// MaxRetries caps reconnect attempts per session; effective minimum is 1
	MaxRetries int `yaml:"max_retries"`

	ReconnectInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ReconnectIntervalRaw string `yaml:"reconnect_interval"`
}

// NetworkConfig holds the messaging-network relay configuration
type NetworkConfig struct {
	RelayURL string `yaml:"relay_url"`
}

// BackendConfig holds the backend application that receives webhooks
type BackendConfig struct {
	URL string `yaml:"url"`
}

// OutboundConfig holds outbound send configuration
type OutboundConfig struct {
	SendDelay time.Duration `yaml:"-"`

	SendDelayRaw string `yaml:"send_delay"`
}

// DatabaseConfig holds the message-log database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LicenseConfig holds the licensing heartbeat configuration
type LicenseConfig struct {
	Key      string `yaml:"key"`
	AppURL   string `yaml:"app_url"`
	CheckURL string `yaml:"check_url"`

	// EnvFile is truncated when the authority rejects this installation
	EnvFile string `yaml:"env_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3300"
	}
	if c.Sessions.ClientName == "" {
		c.Sessions.ClientName = "ursender"
	}
	if c.Sessions.ReconnectInterval == 0 {
		c.Sessions.ReconnectInterval = 5 * time.Second
	}
	if c.Outbound.SendDelay == 0 && c.Outbound.SendDelayRaw == "" {
		c.Outbound.SendDelay = time.Second
	}
	if c.License.EnvFile == "" {
		c.License.EnvFile = ".env"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Sessions.Dir == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	if c.Sessions.MaxRetries < 0 {
		return fmt.Errorf("sessions.max_retries must not be negative")
	}
	if c.Network.RelayURL == "" {
		return fmt.Errorf("network.relay_url is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.ReconnectIntervalRaw != "" {
		cfg.Sessions.ReconnectInterval, err = time.ParseDuration(cfg.Sessions.ReconnectIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_interval %q: %w", cfg.Sessions.ReconnectIntervalRaw, err)
		}
	}

	if cfg.Outbound.SendDelayRaw != "" {
		cfg.Outbound.SendDelay, err = time.ParseDuration(cfg.Outbound.SendDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing send_delay %q: %w", cfg.Outbound.SendDelayRaw, err)
		}
	}

	return nil
}
