package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	if hostname != "" {
		assert.Equal(t, hostname, cfg.Node.SystemID)
	}
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 100, cfg.Engine.MaxChainDepth)
	assert.Equal(t, 256, cfg.Events.BufferSize)
	assert.Equal(t, 3, cfg.Runner.Retries)
	assert.Equal(t, time.Second, cfg.Runner.RetryDelay)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
node:
  system_id: node-A
  environment: staging
  machine_id: 7
storage:
  driver: sqlite
  dsn: file:workflows.db
engine:
  max_chain_depth: 20
events:
  buffer_size: 32
runner:
  target: payments
  retry_delay: 250ms
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-A", cfg.Node.SystemID)
	assert.Equal(t, "staging", cfg.Node.Environment)
	assert.EqualValues(t, 7, cfg.Node.MachineID)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "file:workflows.db", cfg.Storage.DSN)
	assert.Equal(t, 20, cfg.Engine.MaxChainDepth)
	assert.Equal(t, 32, cfg.Events.BufferSize)
	assert.Equal(t, "payments", cfg.Runner.Target)
	assert.Equal(t, 250*time.Millisecond, cfg.Runner.RetryDelay)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
node:
  system_id: node-A
`)
	t.Setenv("WORKFLOW_NODE_SYSTEM_ID", "node-B")
	t.Setenv("WORKFLOW_STORAGE_DRIVER", "redis")
	t.Setenv("WORKFLOW_REDIS_ADDR", "redis:6379")
	t.Setenv("WORKFLOW_REDIS_DB", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-B", cfg.Node.SystemID)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "storage:\n  driver: mongo\n"},
		{"sqlite without dsn", "storage:\n  driver: sqlite\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"zero chain depth", "engine:\n  max_chain_depth: 0\n"},
		{"zero event buffer", "events:\n  buffer_size: 0\n"},
		{"unknown log level", "log:\n  level: verbose\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := Load(writeConfig(t, "node:\n  system_id: node-A\nlog:\n  level: warn\n  format: json\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"system_id":"node-A"`)
}
