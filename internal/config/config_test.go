package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"btchat/internal/connmgr"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefault_Valid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "BtClassicService", cfg.Bluetooth.ServiceName)
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", cfg.Bluetooth.ServiceUUID)
	assert.Equal(t, uint8(22), cfg.Bluetooth.ServerChannel)
	assert.Equal(t, uint8(1), cfg.Bluetooth.FallbackChannel)
	assert.Equal(t, 300*time.Second, cfg.Bluetooth.Discoverable.Duration)
	assert.Equal(t, 1_000_000, cfg.Session.MaxFrameSize)
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
bluetooth:
  adapter_id: hci1
  server_channel: 5
  scan_window: 30s
session:
  max_pending_writes: 2
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "hci1", cfg.Bluetooth.AdapterID)
	assert.Equal(t, uint8(5), cfg.Bluetooth.ServerChannel)
	assert.Equal(t, 30*time.Second, cfg.Bluetooth.ScanWindow.Duration)
	assert.Equal(t, 2, cfg.Session.MaxPendingWrites)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unset keys keep their defaults.
	assert.Equal(t, connmgr.DefaultServiceName, cfg.Bluetooth.ServiceName)
	assert.Equal(t, 1_000_000, cfg.Session.MaxFrameSize)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "bluetooth:\n  scan_window: soon\n"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"BTCHAT_ADAPTER":          "hci2",
		"BTCHAT_FALLBACK_CHANNEL": "3",
		"BTCHAT_DISABLE_FALLBACK": "true",
		"BTCHAT_DISCOVERABLE":     "2m",
		"BTCHAT_LISTEN_ADDR":      ":9000",
		"BTCHAT_LOG_LEVEL":        "warn",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hci2", cfg.Bluetooth.AdapterID)
	assert.Equal(t, uint8(3), cfg.Bluetooth.FallbackChannel)
	assert.True(t, cfg.Bluetooth.DisableFallback)
	assert.Equal(t, 2*time.Minute, cfg.Bluetooth.Discoverable.Duration)
	assert.Equal(t, ":9000", cfg.Gateway.ListenAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestApplyEnv_CollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"BTCHAT_SERVER_CHANNEL": "300",
		"BTCHAT_SCAN_WINDOW":    "forever",
		"BTCHAT_MAX_FRAME_SIZE": "big",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "BTCHAT_SERVER_CHANNEL")
	assert.ErrorContains(t, err, "BTCHAT_SCAN_WINDOW")
	assert.ErrorContains(t, err, "BTCHAT_MAX_FRAME_SIZE")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Bluetooth.ServiceUUID = "not-a-uuid"
	cfg.Bluetooth.ServerChannel = 0
	cfg.Session.MaxFrameSize = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"service_uuid", "server_channel", "max_frame_size", "log.format"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSessionOptions(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Bluetooth.DisableFallback = true
	opts := cfg.SessionOptions(zap.NewNop(), nil)

	assert.Equal(t, connmgr.SPPUUID, opts.ServiceUUID)
	assert.Equal(t, connmgr.DefaultServiceName, opts.ServiceName)
	assert.True(t, opts.DisableFallback)
	assert.Equal(t, 8, opts.MaxPendingWrites)

	aopts := cfg.AdapterOptions(zap.NewNop())
	assert.Equal(t, connmgr.DefaultRFCOMMChannel, aopts.ServerChannel)
	assert.Equal(t, connmgr.DefaultScanWindow, aopts.ScanWindow)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	log, err := LogConfig{Level: "debug", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = LogConfig{Level: "loud", Format: "json"}.NewLogger()
	require.Error(t, err)
}
