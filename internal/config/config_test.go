package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultsValidate(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Embedding.BatchSize)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, "by_headings", cfg.Chunker.Strategy)
	assert.Equal(t, 1000, cfg.Chunker.MaxChunkSize)
	assert.Equal(t, 100, cfg.Chunker.Overlap)
	assert.Equal(t, 4, cfg.Engine.MaxParallelDocs)
	assert.Equal(t, "WAL", cfg.Store.JournalMode)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Embedding.BatchSize, cfg.Embedding.BatchSize)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chunker:
  strategy: by_paragraphs
  max_chunk_size: 500
  overlap: 50
embedding:
  batch_size: 64
  dimensions: 768
vector:
  backend: embedded
  vector_size: 768
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "by_paragraphs", cfg.Chunker.Strategy)
	assert.Equal(t, 64, cfg.Embedding.BatchSize)
	assert.Equal(t, 768, cfg.Vector.VectorSize)
	// Untouched sections keep defaults.
	assert.Equal(t, 4, cfg.Engine.MaxParallelDocs)
	assert.Equal(t, time.Second, cfg.Engine.DefaultRetry.BaseDelay)
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("DOCFOLD_EMBED_API_KEY", "sk-test-123")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Embedding.APIKey)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Embedding.BatchSize = 0 }},
		{"unknown strategy", func(c *Config) { c.Chunker.Strategy = "by_vibes" }},
		{"overlap >= chunk size", func(c *Config) { c.Chunker.Overlap = c.Chunker.MaxChunkSize }},
		{"dimension mismatch", func(c *Config) { c.Vector.VectorSize = 42 }},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "pinecone" }},
		{"zero parallelism", func(c *Config) { c.Engine.MaxParallelDocs = 0 }},
		{"jitter out of range", func(c *Config) { c.Engine.DefaultRetry.Jitter = 1.5 }},
		{"duplicate tier", func(c *Config) {
			c.RateLimit.Tiers = append(c.RateLimit.Tiers, c.RateLimit.Tiers[0])
		}},
		{"tier without refill", func(c *Config) {
			c.RateLimit.Tiers[0].RefillRate = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := NewConfig()
	cfg.Chunker.Strategy = "by_size"
	cfg.Embedding.Model = "custom-embed"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "by_size", loaded.Chunker.Strategy)
	assert.Equal(t, "custom-embed", loaded.Embedding.Model)
}
