// ABOUTME: Tests for the CLI log handler and output helpers
// ABOUTME: Color is disabled so lines can be compared as plain text

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestColorHandler_ComponentPrefix(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.With("component", "relay").Info("user blocked", "user_id", "@alice:example.org")

	line := buf.String()
	assert.Contains(t, line, "INF [relay] user blocked user_id=@alice:example.org")
}

func TestColorHandler_LevelFilter(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WRN shown")
}

func TestColorHandler_Groups(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.WithGroup("http").Debug("request", "status", 200)
	assert.Contains(t, buf.String(), "DBG request http.status=200")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("started", "version", "dev")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, "dev", rec["version"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultFailureLimit, n)

	n, err = parseLimit([]string{"5"})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = parseLimit([]string{"zero"})
	assert.Error(t, err)
}

func TestPrintFailures(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer

	printFailures(&buf, nil)
	assert.Equal(t, "No delivery failures recorded.\n", buf.String())

	buf.Reset()
	printFailures(&buf, []*store.DeliveryFailure{{
		ID:          "f1",
		Operation:   "send",
		Destination: "!dm:example.org",
		PayloadKind: "text",
		SourceRef:   "in:!dm:example.org/$1",
		Attempts:    3,
		Error:       "transient: timeout",
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "✗ send → !dm:example.org (text, 3 attempts)")
	assert.Contains(t, out, "source: in:!dm:example.org/$1")
	assert.Contains(t, out, "transient: timeout")
}
