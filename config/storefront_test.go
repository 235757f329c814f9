package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.ExpiryPoll)
	assert.Equal(t, time.Second, cfg.Reconnect.Initial)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Max)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 50, cfg.SampleCapacity)
	assert.Nil(t, cfg.Redis)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxoffice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channel_url: wss://tickets.example.com/socket
request_timeout: 5s
expiry_poll: 500ms
reconnect:
  enabled: false
redis:
  addr: redis:6379
  prefix: "shop:"
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://tickets.example.com/socket", cfg.ChannelURL)
	assert.Equal(t, "http://localhost:3000/api", cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ExpiryPoll)
	assert.False(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Max)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "shop:availability", cfg.Redis.Channel())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("request_timeout: soon\n"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BOXOFFICE_CHANNEL_URL", "ws://edge:9000/socket")
	t.Setenv("BOXOFFICE_REQUEST_TIMEOUT", "3s")
	t.Setenv("BOXOFFICE_SAMPLE_CAPACITY", "20")
	t.Setenv("BOXOFFICE_RECONNECT", "false")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "ws://edge:9000/socket", cfg.ChannelURL)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 20, cfg.SampleCapacity)
	assert.False(t, cfg.Reconnect.Enabled)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	t.Setenv("BOXOFFICE_EXPIRY_POLL", "fast")
	t.Setenv("BOXOFFICE_SAMPLE_CAPACITY", "many")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOXOFFICE_EXPIRY_POLL")
	assert.Contains(t, err.Error(), "BOXOFFICE_SAMPLE_CAPACITY")
	assert.Equal(t, time.Second, cfg.ExpiryPoll)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpiryPoll = 2 * time.Second
	cfg.SampleCapacity = 0
	cfg.Reconnect.MaxAttempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expiry_poll")
	assert.Contains(t, err.Error(), "sample_capacity")
	assert.Contains(t, err.Error(), "max_attempts")
}
