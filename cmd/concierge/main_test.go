// ABOUTME: Tests for the concierge CLI commands
// ABOUTME: Exercises check-config, health, and the console log format

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/orchestrator"
)

const validConfig = `
backend:
  base_url: "https://clinic.example.com/api"
messaging:
  base_url: "https://wasender.example.com"
credential:
  static_token: "tok"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCheckConfig_Valid(t *testing.T) {
	path := writeFile(t, "config.yaml", validConfig)
	out, err := execute(t, "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path+": ok")
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  http_addr: \"\"\nlock:\n  lease: \"nope\"\n")
	_, err := execute(t, "check-config", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.lease")
}

func TestCheckConfig_Probe(t *testing.T) {
	dir := t.TempDir()
	content := validConfig + "sqlite:\n  path: \"" + filepath.Join(dir, "c.db") + "\"\nsession:\n  backend: \"sqlite\"\n"
	path := writeFile(t, "config.yaml", content)

	out, err := execute(t, "check-config", "--config", path, "--probe")
	require.NoError(t, err)
	assert.Contains(t, out, "session")
	assert.Contains(t, out, "idempotency")
}

func TestRunHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), &out, addr, false))
	assert.Contains(t, out.String(), "healthy")

	out.Reset()
	err := runHealth(context.Background(), &out, addr, true)
	require.Error(t, err)
	assert.Contains(t, out.String(), "degraded")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CONCIERGE_CONFIG", "/etc/concierge.toml")
	assert.Equal(t, "/etc/concierge.toml", getConfigPath())

	t.Setenv("CONCIERGE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "concierge", "config.yaml"), getConfigPath())
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestConsoleHandler_Layout(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var out bytes.Buffer
	logger := slog.New(newConsoleHandler(&out, slog.LevelInfo)).
		With("component", "orchestrator", "message_id", "M1")

	logger.Info("message processed",
		"conversation_id", "whatsapp:966551234567",
		"outcome", orchestrator.KindResponded)
	logger.Debug("hidden")
	logger.WithGroup("lock").Warn("renewal failed", "attempt", 2)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF [orchestrator] message processed message_id=M1 conversation_id=whatsapp:966551234567 outcome=responded")
	assert.NotContains(t, lines[0], "component=")
	assert.Contains(t, lines[1], "WRN [orchestrator] renewal failed message_id=M1 lock.attempt=2")
}

func TestConsoleHandler_ColoursOutcomes(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	var out bytes.Buffer
	logger := slog.New(newConsoleHandler(&out, slog.LevelInfo))
	logger.Info("message processed", "component", "orchestrator", "outcome", orchestrator.KindResponded)
	logger.Info("message processed", "outcome", orchestrator.KindDeferred)
	logger.Warn("message processed", "outcome", orchestrator.KindFailed, "conversation_id", "C1")

	got := out.String()
	assert.Contains(t, got, "\x1b[36m[orchestrator] \x1b[0m")
	assert.Contains(t, got, "\x1b[32mresponded\x1b[0m")
	assert.Contains(t, got, "\x1b[33mdeferred\x1b[0m")
	assert.Contains(t, got, "\x1b[31;1mfailed\x1b[0;22m")
	assert.Contains(t, got, "\x1b[94;1mC1\x1b[0;22m")
}
