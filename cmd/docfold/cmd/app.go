package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/coordinator"
	"github.com/docfold/docfold/internal/embed"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/ingest"
	"github.com/docfold/docfold/internal/logging"
	"github.com/docfold/docfold/internal/ratelimit"
	"github.com/docfold/docfold/internal/search"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

// app wires the full service stack for a CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	vectors  vector.Store
	embedder embed.Embedder
	engine   *ingest.Engine
	coord    *coordinator.Coordinator

	logCleanup func()
}

// newApp loads configuration, sets up logging, and opens every
// subsystem. Callers must Close the returned app.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.setupLogging(); err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(store.Options{
		Path:        cfg.Store.Path,
		JournalMode: cfg.Store.JournalMode,
		Synchronous: cfg.Store.Synchronous,
		ForeignKeys: cfg.Store.ForeignKeys,
		CacheMB:     cfg.Store.CacheMB,
	})
	if err != nil {
		return nil, err
	}

	a.vectors, err = openVectorStore(cfg)
	if err != nil {
		return nil, err
	}
	if err = a.vectors.EnsureReady(ctx); err != nil {
		return nil, err
	}

	httpEmbedder, err := embed.NewHTTPEmbedder(embed.Config{
		BaseURL:     cfg.Embedding.BaseURL,
		APIKey:      cfg.Embedding.APIKey,
		Model:       cfg.Embedding.Model,
		BatchSize:   cfg.Embedding.BatchSize,
		Dimensions:  cfg.Embedding.Dimensions,
		Timeout:     cfg.Embedding.Timeout,
		MaxInFlight: cfg.Embedding.MaxInFlight,
	})
	if err != nil {
		return nil, err
	}
	a.embedder = embed.NewCachedEmbedder(httpEmbedder, cfg.Embedding.CacheSize)

	splitter, err := chunk.NewSplitter(chunk.Options{
		Strategy:     chunk.Strategy(cfg.Chunker.Strategy),
		MaxChunkSize: cfg.Chunker.MaxChunkSize,
		Overlap:      cfg.Chunker.Overlap,
	})
	if err != nil {
		return nil, err
	}

	a.engine = ingest.NewEngine(a.store, a.vectors, a.embedder, splitter, ingest.Config{
		MaxParallelDocs: cfg.Engine.MaxParallelDocs,
		DefaultRetry: dferrors.RetryStrategy{
			MaxRetries: cfg.Engine.DefaultRetry.MaxRetries,
			BaseDelay:  cfg.Engine.DefaultRetry.BaseDelay,
			MaxDelay:   cfg.Engine.DefaultRetry.MaxDelay,
			Factor:     cfg.Engine.DefaultRetry.Factor,
			Jitter:     cfg.Engine.DefaultRetry.Jitter,
		},
		CleanupAfter: time.Duration(cfg.Engine.CleanupAfterHours) * time.Hour,
		JobRetention: time.Duration(cfg.Engine.JobRetentionDays) * 24 * time.Hour,
	})

	searchEngine := search.NewEngine(a.store, a.vectors, a.embedder)
	limiter := ratelimit.New(cfg.RateLimit)
	a.coord = coordinator.New(a.store, a.vectors, a.engine, searchEngine, limiter)

	return a, nil
}

// setupLogging configures the process-wide slog logger from the
// logging section; --debug forces debug level plus stderr output.
func (a *app) setupLogging() error {
	lc := logging.Config{
		Level:         a.cfg.Logging.Level,
		FilePath:      a.cfg.Logging.FilePath,
		MaxSizeMB:     a.cfg.Logging.MaxSizeMB,
		MaxFiles:      a.cfg.Logging.MaxFiles,
		WriteToStderr: a.cfg.Logging.Stderr,
	}
	if lc.FilePath == "" {
		lc.FilePath = logging.DefaultLogPath()
	}
	if debugMode {
		lc.Level = "debug"
		lc.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(lc)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.logCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// openVectorStore selects the vector backend from configuration.
func openVectorStore(cfg *config.Config) (vector.Store, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		return vector.NewQdrantStore(vector.QdrantConfig{
			URL:        cfg.Vector.URL,
			Collection: cfg.Vector.Collection,
			VectorSize: uint64(cfg.Vector.VectorSize),
			Metric:     cfg.Vector.Metric,
			Timeout:    cfg.Vector.Timeout,
		})
	default:
		return vector.NewEmbeddedStore(vector.EmbeddedConfig{
			Path:       filepath.Join(config.DefaultDataDir(), "vectors.hnsw"),
			VectorSize: cfg.Vector.VectorSize,
		})
	}
}

// Close shuts the stack down in dependency order: the engine first so
// no sync touches a closed store.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// waitForDoc polls a document's sync job until it reaches a terminal
// state. Returns the final job status.
func (a *app) waitForDoc(ctx context.Context, docID string) (store.JobStatus, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := a.store.GetJobByDoc(ctx, docID)
		if err != nil {
			return "", err
		}
		if job.Status.Terminal() {
			return job.Status, nil
		}
		select {
		case <-ctx.Done():
			return job.Status, ctx.Err()
		case <-ticker.C:
		}
	}
}
