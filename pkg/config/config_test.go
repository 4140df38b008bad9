package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Connection.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Connection.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectionTimeout)
	assert.Equal(t, DriverNone, cfg.Persistence.Driver)
}

func TestConnectionValidateFillsZeroes(t *testing.T) {
	c := Connection{ReconnectAttempts: 2}
	require.NoError(t, c.Validate())
	assert.Equal(t, 2, c.ReconnectAttempts)
	assert.Equal(t, 100, c.QueueCapacity)
	assert.Equal(t, 3, c.MessageMaxAttempts)
	assert.NotEmpty(t, c.URL)

	bad := Connection{ReconnectDelay: -time.Second}
	require.Error(t, bad.Validate())
	bad = Connection{QueueCapacity: -1}
	require.Error(t, bad.Validate())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commlayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  url: ws://chat.internal/ws
  reconnect_attempts: 7
  reconnect_delay: 250ms
store:
  auto_away: false
persistence:
  driver: pebble
`), 0o600))

	t.Setenv("COMMLAYER_CONFIG", path)
	t.Setenv("COMM_USER_ID", "u42")
	t.Setenv("COMM_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://chat.internal/ws", cfg.Connection.URL)
	assert.Equal(t, 7, cfg.Connection.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Connection.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, "u42", cfg.Connection.UserID)
	assert.False(t, cfg.Store.AutoAway)
	assert.Equal(t, DriverPebble, cfg.Persistence.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Gateway.KafkaBrokers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("COMMLAYER_CONFIG", "")
	t.Setenv("COMM_RECONNECT_DELAY", "soon")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("COMM_RECONNECT_DELAY", "")
	t.Setenv("PERSIST_DRIVER", "mysql")
	_, err = Load()
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromPrefersFlagPath(t *testing.T) {
	dir := t.TempDir()
	flagged := filepath.Join(dir, "flag.yaml")
	require.NoError(t, os.WriteFile(flagged, []byte("api:\n  addr: \":9000\"\n"), 0o600))
	t.Setenv("COMMLAYER_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("API_ADDR", "")

	cfg, err := LoadFrom(flagged)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 24*time.Hour, cfg.API.TokenTTL)

	t.Setenv("API_ADDR", ":9100")
	cfg, err = LoadFrom(flagged)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.API.Addr)
}
