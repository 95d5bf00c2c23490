package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Hub.HeartbeatInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Hub.ConnectionTimeout.Std())
	assert.Equal(t, 10000, cfg.Hub.MaxPendingAcks)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL.Std())
	assert.Equal(t, []string{"POST", "PUT", "PATCH"}, cfg.Idempotency.Methods)
	assert.Empty(t, cfg.Idempotency.ExcludePaths)
	assert.Equal(t, 1000, cfg.WebSocket.QueueSize)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "agentmux.events.>", cfg.NATS.Subject)

	set := cfg.AckRequiredSet()
	assert.Contains(t, set, "workspace:conflicts")
	assert.Contains(t, set, "workspace:reservations")
	assert.Contains(t, set, "user:notifications")
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
hub:
  heartbeat_interval: 10s
  connection_timeout: 45s
  ack_required_prefixes:
    - "user:mail"
websocket:
  queue_size: 250
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Hub.HeartbeatInterval.Std())
	assert.Equal(t, 45*time.Second, cfg.Hub.ConnectionTimeout.Std())
	assert.Equal(t, []string{"user:mail"}, cfg.Hub.AckRequiredPrefixes)
	assert.Equal(t, 250, cfg.WebSocket.QueueSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10000, cfg.Hub.MaxPendingAcks)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_ACK_REQUIRED_PREFIXES", "workspace:conflicts,user:mail")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"workspace:conflicts", "user:mail"}, cfg.Hub.AckRequiredPrefixes)
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidationTimeoutOrdering(t *testing.T) {
	t.Setenv("GATEWAY_CONNECTION_TIMEOUT", "10s")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed heartbeat interval")
}
