// Package config loads, validates, and persists the docfold configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete docfold configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Chunker   ChunkerConfig   `yaml:"chunker" json:"chunker"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// EmbeddingConfig configures the external embedding API client.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKey may be left empty in the file and supplied via DOCFOLD_EMBED_API_KEY.
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	BatchSize   int           `yaml:"batch_size" json:"batch_size"`
	Dimensions  int           `yaml:"dimensions" json:"dimensions"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight" json:"max_in_flight"`
	CacheSize   int           `yaml:"cache_size" json:"cache_size"`
}

// StoreConfig configures the relational + FTS store (SQLite).
type StoreConfig struct {
	Path        string `yaml:"path" json:"path"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"`
	Synchronous string `yaml:"synchronous" json:"synchronous"`
	ForeignKeys bool   `yaml:"foreign_keys" json:"foreign_keys"`
	CacheMB     int    `yaml:"cache_mb" json:"cache_mb"`
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	// Backend selects the vector store: "qdrant" (remote) or "embedded" (in-process HNSW).
	Backend    string        `yaml:"backend" json:"backend"`
	URL        string        `yaml:"url" json:"url"`
	Collection string        `yaml:"collection" json:"collection"`
	VectorSize int           `yaml:"vector_size" json:"vector_size"`
	Metric     string        `yaml:"metric" json:"metric"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// EngineConfig configures the sync engine.
type EngineConfig struct {
	MaxParallelDocs   int         `yaml:"max_parallel_docs" json:"max_parallel_docs"`
	DefaultRetry      RetryConfig `yaml:"default_retry" json:"default_retry"`
	CleanupAfterHours int         `yaml:"cleanup_after_hours" json:"cleanup_after_hours"`
	JobRetentionDays  int         `yaml:"job_retention_days" json:"job_retention_days"`
}

// RetryConfig configures the fallback retry strategy for sync steps whose
// error category has no dedicated strategy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Factor     float64       `yaml:"factor" json:"factor"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
}

// ChunkerConfig configures document splitting.
type ChunkerConfig struct {
	// Strategy is one of: by_size, by_sentences, by_paragraphs, by_headings.
	Strategy     string `yaml:"strategy" json:"strategy"`
	MaxChunkSize int    `yaml:"max_chunk_size" json:"max_chunk_size"`
	Overlap      int    `yaml:"overlap" json:"overlap"`
}

// RateLimitConfig configures the multi-tier token bucket limiter.
type RateLimitConfig struct {
	Tiers []TierConfig `yaml:"tiers" json:"tiers"`
}

// TierConfig configures a single rate limit tier.
type TierConfig struct {
	Name       string   `yaml:"name" json:"name"`
	MaxTokens  float64  `yaml:"max_tokens" json:"max_tokens"`
	RefillRate float64  `yaml:"refill_rate" json:"refill_rate"`
	Whitelist  []string `yaml:"whitelist" json:"whitelist"`
	Priority   int      `yaml:"priority" json:"priority"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
}

// DefaultDataDir returns the default data directory (~/.docfold).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".docfold")
	}
	return filepath.Join(home, ".docfold")
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Version: 1,
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
		Embedding: EmbeddingConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "text-embedding-3-small",
			BatchSize:   200,
			Dimensions:  1536,
			Timeout:     60 * time.Second,
			MaxInFlight: 4,
			CacheSize:   4096,
		},
		Store: StoreConfig{
			Path:        filepath.Join(dataDir, "docfold.db"),
			JournalMode: "WAL",
			Synchronous: "NORMAL",
			ForeignKeys: true,
			CacheMB:     64,
		},
		Vector: VectorConfig{
			Backend:    "embedded",
			URL:        "localhost:6334",
			Collection: "docfold",
			VectorSize: 1536,
			Metric:     "cosine",
			Timeout:    30 * time.Second,
		},
		Engine: EngineConfig{
			MaxParallelDocs: 4,
			DefaultRetry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  time.Second,
				MaxDelay:   time.Minute,
				Factor:     2.0,
				Jitter:     0.2,
			},
			CleanupAfterHours: 24,
			JobRetentionDays:  30,
		},
		Chunker: ChunkerConfig{
			Strategy:     "by_headings",
			MaxChunkSize: 1000,
			Overlap:      100,
		},
		RateLimit: RateLimitConfig{
			Tiers: []TierConfig{
				{Name: "global", MaxTokens: 1000, RefillRate: 100, Priority: 0, Enabled: true},
				{Name: "ip", MaxTokens: 60, RefillRate: 1, Priority: 1, Enabled: true},
				{Name: "search", MaxTokens: 30, RefillRate: 0.5, Priority: 2, Enabled: true},
				{Name: "upload", MaxTokens: 10, RefillRate: 0.2, Priority: 2, Enabled: true},
			},
		},
	}
}

// Load reads a config file, applies defaults for unset fields, and validates.
// A missing file returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overlays secrets and endpoint overrides from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOCFOLD_EMBED_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("DOCFOLD_EMBED_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("DOCFOLD_QDRANT_URL"); v != "" {
		c.Vector.URL = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.MaxInFlight <= 0 {
		return fmt.Errorf("embedding.max_in_flight must be positive, got %d", c.Embedding.MaxInFlight)
	}
	switch c.Vector.Backend {
	case "qdrant", "embedded":
	default:
		return fmt.Errorf("vector.backend must be qdrant or embedded, got %q", c.Vector.Backend)
	}
	if c.Vector.VectorSize != c.Embedding.Dimensions {
		return fmt.Errorf("vector.vector_size (%d) must match embedding.dimensions (%d)",
			c.Vector.VectorSize, c.Embedding.Dimensions)
	}
	if c.Engine.MaxParallelDocs <= 0 {
		return fmt.Errorf("engine.max_parallel_docs must be positive, got %d", c.Engine.MaxParallelDocs)
	}
	switch c.Chunker.Strategy {
	case "by_size", "by_sentences", "by_paragraphs", "by_headings":
	default:
		return fmt.Errorf("chunker.strategy must be one of by_size, by_sentences, by_paragraphs, by_headings, got %q", c.Chunker.Strategy)
	}
	if c.Chunker.MaxChunkSize <= 0 {
		return fmt.Errorf("chunker.max_chunk_size must be positive, got %d", c.Chunker.MaxChunkSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.MaxChunkSize {
		return fmt.Errorf("chunker.overlap must be in [0, max_chunk_size), got %d", c.Chunker.Overlap)
	}
	if j := c.Engine.DefaultRetry.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("engine.default_retry.jitter must be in [0,1], got %v", j)
	}
	seen := make(map[string]struct{}, len(c.RateLimit.Tiers))
	for _, tier := range c.RateLimit.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("rate_limit tier name must not be empty")
		}
		if _, dup := seen[tier.Name]; dup {
			return fmt.Errorf("duplicate rate_limit tier %q", tier.Name)
		}
		seen[tier.Name] = struct{}{}
		if tier.Enabled && (tier.MaxTokens <= 0 || tier.RefillRate <= 0) {
			return fmt.Errorf("rate_limit tier %q needs positive max_tokens and refill_rate", tier.Name)
		}
	}
	return nil
}
