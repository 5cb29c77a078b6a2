package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, EngineA1111, cfg.Engine.Kind)
	assert.Equal(t, 100, cfg.Engine.QueueSize)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
engine:
  kind: stub
  queue_size: 4
  timeout: 30s
logging:
  development: true
`), 0o600))

	t.Setenv("QUEUE_SIZE", "8")
	t.Setenv("SD_MODEL_ID", "sd_xl_base_1.0.safetensors")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, EngineStub, cfg.Engine.Kind)
	assert.Equal(t, 8, cfg.Engine.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, "sd_xl_base_1.0.safetensors", cfg.Engine.ModelID)
	assert.True(t, cfg.Logging.Development)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "engine kind", key: "SD_ENGINE", val: "comfy"},
		{name: "queue size", key: "QUEUE_SIZE", val: "zero"},
		{name: "non-positive queue", key: "QUEUE_SIZE", val: "0"},
		{name: "timeout", key: "SD_API_TIMEOUT", val: "soon"},
		{name: "development", key: "DEVELOPMENT", val: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
