// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: YAML or TOML files with ${ENV} expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds the bot account and the room agents work in
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	AdminRoom   string `yaml:"admin_room" toml:"admin_room"`
}

// RelayConfig holds relay behaviour and outbound delivery tuning
type RelayConfig struct {
	// Admins lists the user ids allowed to run admin commands.
	Admins []string `yaml:"admins" toml:"admins"`

	AppName        string `yaml:"app_name" toml:"app_name"`
	WelcomeMessage string `yaml:"welcome_message" toml:"welcome_message"`
	HelpMessage    string `yaml:"help_message" toml:"help_message"`
	BlockedMessage string `yaml:"blocked_message" toml:"blocked_message"`

	ConnectionPoolSize        int    `yaml:"connection_pool_size" toml:"connection_pool_size"`
	MaxMediaGroups            int    `yaml:"max_media_groups" toml:"max_media_groups"`
	MaxGroupFragments         int    `yaml:"max_group_fragments" toml:"max_group_fragments"`
	BroadcastConcurrency      int    `yaml:"broadcast_concurrency" toml:"broadcast_concurrency"`
	ProxyURL                  string `yaml:"proxy_url" toml:"proxy_url"`
	DeleteUserMessagesOnClear bool   `yaml:"delete_user_messages_on_clear" toml:"delete_user_messages_on_clear"`

	// VerifyNewUsers makes first-time users answer a challenge before
	// anything they send is relayed. Without a configured question an
	// arithmetic one is generated per user.
	VerifyNewUsers       bool   `yaml:"verify_new_users" toml:"verify_new_users"`
	VerificationQuestion string `yaml:"verification_question" toml:"verification_question"`
	VerificationAnswer   string `yaml:"verification_answer" toml:"verification_answer"`

	// RelayMentions forwards group-room messages that mention the bot into
	// the sender's thread.
	RelayMentions bool `yaml:"relay_mentions" toml:"relay_mentions"`

	RequestTimeout      time.Duration `yaml:"-" toml:"-"`
	MessageInterval     time.Duration `yaml:"-" toml:"-"`
	UserMessageInterval time.Duration `yaml:"-" toml:"-"`
	MediaGroupWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindow        time.Duration `yaml:"-" toml:"-"`
	VerificationMute    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw      string `yaml:"request_timeout" toml:"request_timeout"`
	MessageIntervalRaw     string `yaml:"message_interval" toml:"message_interval"`
	UserMessageIntervalRaw string `yaml:"user_message_interval" toml:"user_message_interval"`
	MediaGroupWindowRaw    string `yaml:"media_group_window" toml:"media_group_window"`
	DedupeWindowRaw        string `yaml:"dedupe_window" toml:"dedupe_window"`
	VerificationMuteRaw    string `yaml:"verification_mute" toml:"verification_mute"`
}

// IsAdmin reports whether id is on the admin allow-list.
func (r RelayConfig) IsAdmin(id string) bool {
	return id != "" && slices.Contains(r.Admins, id)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// HTTPConfig holds the admin API listener
type HTTPConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	APIToken string `yaml:"api_token" toml:"api_token"`
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

// Default returns a Config populated with every default value. Files are
// decoded on top of it, so anything they omit keeps these values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			AppName:                "Support",
			WelcomeMessage:         "Hi! Send us a message and a member of the team will reply here.",
			HelpMessage:            "Just write your question. Photos, videos and files are fine too.",
			BlockedMessage:         "Your message was received.",
			ConnectionPoolSize:     100,
			MaxMediaGroups:         1024,
			MaxGroupFragments:      10,
			BroadcastConcurrency:   8,
			RequestTimeoutRaw:      "30s",
			MessageIntervalRaw:     "0s",
			UserMessageIntervalRaw: "0s",
			MediaGroupWindowRaw:    "1.5s",
			DedupeWindowRaw:        "10m",
			VerificationMuteRaw:    "2m",
			RelayMentions:          true,
		},
		Database: DatabaseConfig{Path: "coven-relay.db"},
		HTTP:     HTTPConfig{Addr: "127.0.0.1:8088"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format names a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes already-expanded config text over the defaults, then parses
// durations and validates.
func Parse(text string, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatTOML:
		if _, err := toml.Decode(text, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if u, err := url.Parse(c.Matrix.Homeserver); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("matrix.homeserver must be an absolute URL, got %q", c.Matrix.Homeserver)
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.AdminRoom == "" {
		return fmt.Errorf("matrix.admin_room is required")
	}

	if len(c.Relay.Admins) == 0 {
		return fmt.Errorf("relay.admins must list at least one admin")
	}
	if c.Relay.ConnectionPoolSize <= 0 {
		return fmt.Errorf("relay.connection_pool_size must be positive")
	}
	if c.Relay.MaxMediaGroups <= 0 || c.Relay.MaxGroupFragments <= 0 {
		return fmt.Errorf("relay.max_media_groups and relay.max_group_fragments must be positive")
	}
	if c.Relay.BroadcastConcurrency <= 0 {
		return fmt.Errorf("relay.broadcast_concurrency must be positive")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be positive")
	}
	if c.Relay.MessageInterval < 0 || c.Relay.UserMessageInterval < 0 {
		return fmt.Errorf("relay message intervals must not be negative")
	}
	if c.Relay.MediaGroupWindow <= 0 {
		return fmt.Errorf("relay.media_group_window must be positive")
	}
	if c.Relay.VerificationMute < 0 {
		return fmt.Errorf("relay.verification_mute must not be negative")
	}
	if (c.Relay.VerificationQuestion == "") != (c.Relay.VerificationAnswer == "") {
		return fmt.Errorf("relay.verification_question and relay.verification_answer must be set together")
	}
	if c.Relay.ProxyURL != "" {
		if _, err := url.Parse(c.Relay.ProxyURL); err != nil {
			return fmt.Errorf("relay.proxy_url: %w", err)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"request_timeout", cfg.Relay.RequestTimeoutRaw, &cfg.Relay.RequestTimeout},
		{"message_interval", cfg.Relay.MessageIntervalRaw, &cfg.Relay.MessageInterval},
		{"user_message_interval", cfg.Relay.UserMessageIntervalRaw, &cfg.Relay.UserMessageInterval},
		{"media_group_window", cfg.Relay.MediaGroupWindowRaw, &cfg.Relay.MediaGroupWindow},
		{"dedupe_window", cfg.Relay.DedupeWindowRaw, &cfg.Relay.DedupeWindow},
		{"verification_mute", cfg.Relay.VerificationMuteRaw, &cfg.Relay.VerificationMute},
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
