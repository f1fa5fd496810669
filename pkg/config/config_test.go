package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEffectiveDefaults(t *testing.T) {
	cfg, envUsed, err := LoadEffective(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, envUsed, "env reported used with no vars set")

	require.Equal(t, 4<<10, cfg.Storage.InlineLimit)
	require.Equal(t, 250*time.Millisecond, cfg.Streams.FlushInterval)
	require.Equal(t, 5*time.Minute, cfg.Streams.Retention)
	require.Equal(t, 10*time.Minute, cfg.Streams.InactivityTimeout)
	require.Equal(t, 8, cfg.Model.MaxSteps)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: 127.0.0.1
  port: 9000
storage:
  db_path: /tmp/agentdb
streams:
  flush_interval: 100ms
  retention: 2m
search:
  text: true
model:
  provider: ollama
  name: llama3.2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("AGENTDB_STREAM_RETENTION", "90s")
	t.Setenv("AGENTDB_MODEL_NAME", "qwen3")

	cfg, envUsed, err := LoadEffective(path)
	require.NoError(t, err)
	require.True(t, envUsed, "env overrides not detected")

	require.Equal(t, "127.0.0.1:9000", cfg.Addr())
	require.Equal(t, 100*time.Millisecond, cfg.Streams.FlushInterval)
	// env wins over file
	require.Equal(t, 90*time.Second, cfg.Streams.Retention)
	require.Equal(t, "qwen3", cfg.Model.Name)
	require.True(t, cfg.Search.Text, "text search flag lost")
}

func TestQdrantEnvEnablesVectorBackend(t *testing.T) {
	t.Setenv("AGENTDB_QDRANT_ADDR", "localhost:6334")
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.Search.Vector.Enabled)
	require.Equal(t, "qdrant", cfg.Search.Vector.Backend)
	require.Equal(t, "localhost:6334", cfg.Search.Vector.Qdrant.Addr)
}
