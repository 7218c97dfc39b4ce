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
	t.Chdir(t.TempDir())
	t.Setenv("LIVE_ASR_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RoleHost, cfg.Role)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 50*time.Millisecond, cfg.Audio.FrameDuration)
	assert.Equal(t, time.Second, cfg.Audio.ResumeInterval)
	assert.Equal(t, 60*time.Second, cfg.ASR.TokenTTL)
	assert.False(t, cfg.ASR.Reconnect)
	assert.Equal(t, "redis", cfg.Broadcast.Backend)
	assert.Equal(t, "secret", cfg.ASR.APIKey)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
role: viewer
audio:
  frame_duration: 100ms
broadcast:
  backend: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    topic: captions
`), 0o600))
	t.Setenv("LIVE_SERVER_ADDR", ":9999")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, cfg.Role)
	assert.Equal(t, 100*time.Millisecond, cfg.Audio.FrameDuration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broadcast.Kafka.Brokers)
	assert.Equal(t, "captions", cfg.Broadcast.Kafka.Topic)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestHostRequiresAPIKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIVE_ASR_API_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asr.api_key")
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIVE_ASR_API_KEY", "k")
	t.Setenv("LIVE_BROADCAST_BACKEND", "carrier-pigeon")

	_, err := Load("")
	require.Error(t, err)
}
