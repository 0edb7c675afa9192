// ABOUTME: Configuration loading and parsing for studio-chat
// ABOUTME: YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location
const EnvConfigPath = "STUDIO_CHAT_CONFIG"

// MinSecretLength is the shortest accepted JWT secret
const MinSecretLength = 32

// Config represents the complete studio-chat configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Typing   TypingConfig   `yaml:"typing" toml:"typing"`
	Dedupe   DedupeConfig   `yaml:"dedupe" toml:"dedupe"`
	Booking  BookingConfig  `yaml:"booking" toml:"booking"`
	Messages MessagesConfig `yaml:"messages" toml:"messages"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. With Disabled set the
// X-Participant-ID header is trusted instead of a token.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Disabled  bool   `yaml:"disabled" toml:"disabled"`
}

// DeliveryConfig tunes per-session queues and writes
type DeliveryConfig struct {
	QueueSize       int           `yaml:"queue_size" toml:"queue_size"`
	PageSize        int           `yaml:"page_size" toml:"page_size"`
	EchoSuppression bool          `yaml:"echo_suppression" toml:"echo_suppression"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	PingInterval    time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// TypingConfig tunes typing signal lifetimes
type TypingConfig struct {
	DefaultTTL    time.Duration `yaml:"-" toml:"-"`
	MaxTTL        time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	DefaultTTLRaw    string `yaml:"default_ttl" toml:"default_ttl"`
	MaxTTLRaw        string `yaml:"max_ttl" toml:"max_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DedupeConfig tunes idempotent sends. A "0s" TTL disables them.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// BookingConfig points at the booking subsystem. An empty BaseURL accepts
// every booking reference.
type BookingConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// MessagesConfig holds message limits
type MessagesConfig struct {
	MaxBodyRunes int           `yaml:"max_body_runes" toml:"max_body_runes"`
	PageSize     int           `yaml:"page_size" toml:"page_size"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file location: $STUDIO_CHAT_CONFIG, else
// $XDG_CONFIG_HOME/studio-chat/config.yaml, else ~/.config/studio-chat/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "studio-chat", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "studio-chat", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills every unset value. Durations are filled in raw form so
// parseDurations handles them uniformly.
func applyDefaults(cfg *Config) {
	setString := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	setInt := func(dst *int, def int) {
		if *dst == 0 {
			*dst = def
		}
	}

	setString(&cfg.Server.HTTPAddr, "127.0.0.1:8080")
	setString(&cfg.Server.ShutdownTimeoutRaw, "10s")
	setString(&cfg.Database.Path, "studio-chat.db")
	setInt(&cfg.Delivery.QueueSize, 256)
	setInt(&cfg.Delivery.PageSize, 100)
	setString(&cfg.Delivery.WriteTimeoutRaw, "10s")
	setString(&cfg.Delivery.PingIntervalRaw, "30s")
	setString(&cfg.Typing.DefaultTTLRaw, "4s")
	setString(&cfg.Typing.MaxTTLRaw, "10s")
	setString(&cfg.Typing.SweepIntervalRaw, "250ms")
	setString(&cfg.Dedupe.TTLRaw, "10m")
	setInt(&cfg.Dedupe.MaxEntries, 10000)
	setString(&cfg.Booking.TimeoutRaw, "3s")
	setInt(&cfg.Messages.MaxBodyRunes, 4000)
	setInt(&cfg.Messages.PageSize, 100)
	setString(&cfg.Messages.WriteTimeoutRaw, "5s")
	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")
	setString(&cfg.Metrics.Path, "/metrics")
}

// parseDurations converts the raw duration strings into time.Duration values.
// An empty raw value leaves the duration at zero.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"delivery.write_timeout", cfg.Delivery.WriteTimeoutRaw, &cfg.Delivery.WriteTimeout},
		{"delivery.ping_interval", cfg.Delivery.PingIntervalRaw, &cfg.Delivery.PingInterval},
		{"typing.default_ttl", cfg.Typing.DefaultTTLRaw, &cfg.Typing.DefaultTTL},
		{"typing.max_ttl", cfg.Typing.MaxTTLRaw, &cfg.Typing.MaxTTL},
		{"typing.sweep_interval", cfg.Typing.SweepIntervalRaw, &cfg.Typing.SweepInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"booking.timeout", cfg.Booking.TimeoutRaw, &cfg.Booking.Timeout},
		{"messages.write_timeout", cfg.Messages.WriteTimeoutRaw, &cfg.Messages.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if !c.Auth.Disabled {
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required (or set auth.disabled)")
		}
		if len(c.Auth.JWTSecret) < MinSecretLength {
			return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
		}
	}

	if c.Delivery.QueueSize < 1 {
		return errors.New("delivery.queue_size must be positive")
	}
	if c.Typing.MaxTTL < c.Typing.DefaultTTL {
		return errors.New("typing.max_ttl must not be below typing.default_ttl")
	}
	if c.Messages.MaxBodyRunes < 1 {
		return errors.New("messages.max_body_runes must be positive")
	}
	if c.Messages.PageSize > 500 {
		return errors.New("messages.page_size must not exceed 500")
	}

	if c.Booking.BaseURL != "" &&
		!strings.HasPrefix(c.Booking.BaseURL, "http://") &&
		!strings.HasPrefix(c.Booking.BaseURL, "https://") {
		return fmt.Errorf("booking.base_url %q must be an http(s) URL", c.Booking.BaseURL)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	return nil
}
