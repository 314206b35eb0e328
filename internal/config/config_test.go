// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@support:example.org"
  access_token: "${TEST_RELAY_TOKEN}"
  admin_room: "!admins:example.org"

relay:
  admins:
    - "@alice:example.org"
  request_timeout: "10s"
  message_interval: "50ms"
  media_group_window: "2s"
  connection_pool_size: 4

database:
  path: "./relay.db"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_RELAY_TOKEN", "syt_secret")
	cfg, err := Load(writeConfig(t, "relay.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, "syt_secret", cfg.Matrix.AccessToken)
	assert.Equal(t, "!admins:example.org", cfg.Matrix.AdminRoom)
	assert.Equal(t, 10*time.Second, cfg.Relay.RequestTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Relay.MessageInterval)
	assert.Equal(t, 2*time.Second, cfg.Relay.MediaGroupWindow)
	assert.Equal(t, 4, cfg.Relay.ConnectionPoolSize)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Relay.IsAdmin("@alice:example.org"))
	assert.False(t, cfg.Relay.IsAdmin("@mallory:example.org"))
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	t.Setenv("TEST_RELAY_TOKEN", "tok")
	cfg, err := Load(writeConfig(t, "relay.yaml", `
matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@support:example.org"
  access_token: "${TEST_RELAY_TOKEN}"
  admin_room: "!admins:example.org"
relay:
  admins: ["@alice:example.org"]
`))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Relay.RequestTimeout)
	assert.Equal(t, time.Duration(0), cfg.Relay.MessageInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Relay.MediaGroupWindow)
	assert.Equal(t, 100, cfg.Relay.ConnectionPoolSize)
	assert.Equal(t, 8, cfg.Relay.BroadcastConcurrency)
	assert.Equal(t, "coven-relay.db", cfg.Database.Path)
	assert.Empty(t, cfg.Relay.ProxyURL)
	assert.False(t, cfg.Relay.VerifyNewUsers)
	assert.Equal(t, 2*time.Minute, cfg.Relay.VerificationMute)
	assert.True(t, cfg.Relay.RelayMentions)
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "relay.toml", `
[matrix]
homeserver = "https://matrix.example.org"
user_id = "@support:example.org"
access_token = "tok"
admin_room = "!admins:example.org"

[relay]
admins = ["@alice:example.org", "@bob:example.org"]
proxy_url = "http://proxy.internal:3128"
user_message_interval = "3s"
`))
	require.NoError(t, err)

	assert.Len(t, cfg.Relay.Admins, 2)
	assert.Equal(t, "http://proxy.internal:3128", cfg.Relay.ProxyURL)
	assert.Equal(t, 3*time.Second, cfg.Relay.UserMessageInterval)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Parse(`
matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@s:example.org"
  access_token: "tok"
  admin_room: "!a:example.org"
relay:
  admins: ["@a:example.org"]
  request_timeout: "soon"
`, FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_timeout")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Matrix = MatrixConfig{
			Homeserver:  "https://matrix.example.org",
			UserID:      "@s:example.org",
			AccessToken: "tok",
			AdminRoom:   "!a:example.org",
		}
		cfg.Relay.Admins = []string{"@a:example.org"}
		require.NoError(t, parseDurations(cfg))
		return cfg
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix.homeserver"},
		{"relative homeserver", func(c *Config) { c.Matrix.Homeserver = "matrix.example.org" }, "absolute URL"},
		{"missing admin room", func(c *Config) { c.Matrix.AdminRoom = "" }, "admin_room"},
		{"no admins", func(c *Config) { c.Relay.Admins = nil }, "relay.admins"},
		{"zero pool", func(c *Config) { c.Relay.ConnectionPoolSize = 0 }, "connection_pool_size"},
		{"zero timeout", func(c *Config) { c.Relay.RequestTimeout = 0 }, "request_timeout"},
		{"negative interval", func(c *Config) { c.Relay.MessageInterval = -time.Second }, "intervals"},
		{"question without answer", func(c *Config) { c.Relay.VerificationQuestion = "Capital of France?" }, "verification_answer"},
		{"negative mute", func(c *Config) { c.Relay.VerificationMute = -time.Second }, "verification_mute"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"missing db", func(c *Config) { c.Database.Path = "" }, "database.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	assert.Equal(t, "token: ", expandEnvVars("token: ${COVEN_RELAY_SURELY_UNSET}"))
}
