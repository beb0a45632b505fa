package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.Planner.Weights, cfg.Planner.Weights)
	assert.Equal(t, DefaultConfig.Queue, cfg.Queue)
	assert.Equal(t, IndexHNSW, cfg.Index.Kind)
	assert.Equal(t, filepath.Join(".memoryme", "memoryme.db"), cfg.DatabasePath())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memoryme.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
index:
  kind: chromem
planner:
  weights:
    vector: 0.6
  corroboration_bonus: 0.2
queue:
  workers: 3
  initial_backoff: 10ms
embedder:
  kind: none
log:
  level: debug
`), 0o644))
	t.Setenv("MEMORYME_INDEX_KIND", "linear")
	t.Setenv("MEMORYME_EMBEDDER_TIMEOUT", "2s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, IndexLinear, cfg.Index.Kind, "environment wins over the file")
	assert.Equal(t, 0.6, cfg.Planner.Weights.Vector)
	assert.Equal(t, 0.3, cfg.Planner.Weights.Text, "unset keys keep their defaults")
	assert.Equal(t, 0.2, cfg.Planner.CorroborationBonus)
	assert.Equal(t, 3, cfg.Queue.Workers)
	assert.Equal(t, 10*time.Millisecond, cfg.Queue.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Embedder.Timeout)
	assert.Equal(t, EmbedderNone, cfg.Embedder.Kind)
	assert.Equal(t, filepath.Join(dir, "memoryme.db"), cfg.DatabasePath())
}

func TestLoadConfigRejectsUnknownKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index:\n  kind: faiss\nlog:\n  level: loud\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.kind")
	assert.Contains(t, err.Error(), "log.level")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
