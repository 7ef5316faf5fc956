// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultHTTPAddr       = "127.0.0.1:8005"
	DefaultDatabasePath   = "./data/messages.db"
	DefaultWriteQueueSize = 256
	DefaultSendTimeout    = 15 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultResolveRetries = 1
	DefaultWriteTimeout   = 5 * time.Second
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultDedupeMaxSize  = 10000
	DefaultMetricsPath    = "/metrics"
)

// Account directory sources.
const (
	AccountSourceFile     = "file"
	AccountSourcePostgres = "postgres"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Registry RegistryConfig `yaml:"registry"`
	Hub      HubConfig      `yaml:"hub"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Accounts AccountsConfig `yaml:"accounts"`
	Auth     AuthConfig     `yaml:"auth"`
	Export   ExportConfig   `yaml:"export"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig holds the local store configuration
type DatabaseConfig struct {
	Path           string `yaml:"path"`
	WriteQueueSize int    `yaml:"write_queue_size"`
}

// RegistryConfig controls outbound delivery through connected accounts.
type RegistryConfig struct {
	SendTimeout    time.Duration `yaml:"-"`
	ConnectTimeout time.Duration `yaml:"-"`
	ResolveRetries int           `yaml:"resolve_retries"`

	// Raw string values for YAML unmarshaling
	SendTimeoutRaw    string `yaml:"send_timeout"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// HubConfig holds viewer fanout configuration
type HubConfig struct {
	WriteTimeout    time.Duration `yaml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout"`
}

// DedupeConfig sizes the in-memory seen-message cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	TTLRaw  string        `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// AccountsConfig selects where account credentials come from.
type AccountsConfig struct {
	Source      string `yaml:"source"`
	File        string `yaml:"file"`
	PostgresURL string `yaml:"postgres_url"`
	// SealingKey is a base64 encoded 32 byte key used to open session tokens.
	SealingKey string `yaml:"sealing_key"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ExportConfig holds the AMQP event export configuration
type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.WriteQueueSize == 0 {
		c.Database.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.Registry.SendTimeout == 0 {
		c.Registry.SendTimeout = DefaultSendTimeout
	}
	if c.Registry.ConnectTimeout == 0 {
		c.Registry.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Registry.ResolveRetries == 0 {
		c.Registry.ResolveRetries = DefaultResolveRetries
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Accounts.Source == "" {
		c.Accounts.Source = AccountSourceFile
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Export.Enabled && c.Export.RoutingKey == "" {
		c.Export.RoutingKey = "relay.message_received"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.WriteQueueSize < 0 {
		return fmt.Errorf("database.write_queue_size must not be negative")
	}
	if c.Registry.ResolveRetries < 0 {
		return fmt.Errorf("registry.resolve_retries must not be negative")
	}
	if c.Registry.SendTimeout < 0 {
		return fmt.Errorf("registry.send_timeout must be positive")
	}

	switch c.Accounts.Source {
	case AccountSourceFile:
		if c.Accounts.File == "" {
			return fmt.Errorf("accounts.file is required when accounts.source is %q", AccountSourceFile)
		}
	case AccountSourcePostgres:
		if c.Accounts.PostgresURL == "" {
			return fmt.Errorf("accounts.postgres_url is required when accounts.source is %q", AccountSourcePostgres)
		}
	default:
		return fmt.Errorf("accounts.source must be %q or %q, got %q", AccountSourceFile, AccountSourcePostgres, c.Accounts.Source)
	}

	if c.Accounts.SealingKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Accounts.SealingKey)
		if err != nil {
			return fmt.Errorf("accounts.sealing_key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("accounts.sealing_key must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Export.Enabled {
		if c.Export.AMQPURL == "" {
			return fmt.Errorf("export.amqp_url is required when export is enabled")
		}
		if c.Export.Exchange == "" {
			return fmt.Errorf("export.exchange is required when export is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registry.send_timeout", cfg.Registry.SendTimeoutRaw, &cfg.Registry.SendTimeout},
		{"registry.connect_timeout", cfg.Registry.ConnectTimeoutRaw, &cfg.Registry.ConnectTimeout},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
