package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "anonymous", cfg.DisplayName)
	assert.Equal(t, "ws://localhost:7000/ws", cfg.Signaling.URL)
	assert.Equal(t, 2*time.Second, cfg.Signaling.ReconnectInterval)
	assert.Equal(t, 3, cfg.Signaling.MaxReconnects)
	assert.Equal(t, 3478, cfg.Turn.Port)
	assert.Equal(t, "meetrtc.local", cfg.Turn.Realm)
	assert.Equal(t, 1280, cfg.Media.Width)
	assert.Equal(t, 720, cfg.Media.Height)
	assert.Equal(t, 30, cfg.Media.Framerate)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEETRTC_DISPLAY_NAME", "Bob")
	t.Setenv("MEETRTC_SIGNALING_URL", "wss://rooms.example.com/ws")
	t.Setenv("MEETRTC_SIGNALING_MAX_RECONNECTS", "5")
	t.Setenv("MEETRTC_MEDIA_FRAMERATE", "15")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Bob", cfg.DisplayName)
	assert.Equal(t, "wss://rooms.example.com/ws", cfg.Signaling.URL)
	assert.Equal(t, 5, cfg.Signaling.MaxReconnects)
	assert.Equal(t, 15, cfg.Media.Framerate)
	// Untouched keys keep defaults.
	assert.Equal(t, 2*time.Second, cfg.Signaling.ReconnectInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetrtc.yaml")
	content := []byte(`
display_name: Carol
signaling:
  url: ws://signal.internal:9000/ws
  reconnect_interval: 5s
ice:
  provision_url: https://turn.example.com/provision
  username: ident
  credential: secret
turn:
  enabled: true
  public_ip: 203.0.113.9
  users:
    alice: wonderland
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("MEETRTC_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Carol", cfg.DisplayName)
	assert.Equal(t, "ws://signal.internal:9000/ws", cfg.Signaling.URL)
	assert.Equal(t, 5*time.Second, cfg.Signaling.ReconnectInterval)
	assert.Equal(t, "https://turn.example.com/provision", cfg.ICE.ProvisionURL)
	assert.Equal(t, "ident", cfg.ICE.Username)
	assert.True(t, cfg.Turn.Enabled)
	assert.Equal(t, "203.0.113.9", cfg.Turn.PublicIP)
	assert.Equal(t, map[string]string{"alice": "wonderland"}, cfg.Turn.Users)
	// File keys not present fall back to defaults.
	assert.Equal(t, 3478, cfg.Turn.Port)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("MEETRTC_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}
