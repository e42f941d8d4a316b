package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/embed"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

// Progress checkpoints recorded on the job row. The value names the
// last durably completed step, which is what resume dispatches on.
const (
	progressNone  = 0
	progressSplit = 33
	progressEmbed = 66
	progressDone  = 100
)

// Config tunes the sync engine.
type Config struct {
	MaxParallelDocs int
	// DefaultRetry is the fallback strategy for failures whose category
	// has no dedicated strategy (UNKNOWN). Zero MaxRetries disables the
	// fallback and such failures go straight to DEAD.
	DefaultRetry dferrors.RetryStrategy
	// CleanupAfter is how long synced jobs are kept before Cleanup
	// purges them; JobRetention is the longer window for dead jobs.
	CleanupAfter time.Duration
	JobRetention time.Duration
}

// Engine runs documents through the split/embed/index pipeline. All
// pipeline state lives on the sync job row, so a crash at any point
// resumes from the last completed step.
type Engine struct {
	store    *store.Store
	vectors  vector.Store
	embedder embed.Embedder
	splitter *chunk.Splitter
	cfg      Config

	scheduler *RetryScheduler
	sem       *semaphore.Weighted

	// strategyFor is swapped in tests to shrink backoff delays.
	strategyFor func(dferrors.Category) dferrors.RetryStrategy

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewEngine creates a sync engine.
func NewEngine(st *store.Store, vectors vector.Store, embedder embed.Embedder, splitter *chunk.Splitter, cfg Config) *Engine {
	if cfg.MaxParallelDocs <= 0 {
		cfg.MaxParallelDocs = 4
	}
	if cfg.CleanupAfter == 0 {
		cfg.CleanupAfter = 24 * time.Hour
	}
	if cfg.JobRetention == 0 {
		cfg.JobRetention = 30 * 24 * time.Hour
	}
	return &Engine{
		store:       st,
		vectors:     vectors,
		embedder:    embedder,
		splitter:    splitter,
		cfg:         cfg,
		scheduler:   NewRetryScheduler(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallelDocs)),
		strategyFor: dferrors.StrategyFor,
		inFlight:    make(map[string]struct{}),
	}
}

// Process runs a document's pipeline synchronously, resuming from the
// job's last completed step. A document already being processed is
// skipped. Terminal jobs are left alone; resync resets them first.
//
// Failure handling runs after the in-flight marker is released so a
// scheduled retry can never race against it and get dropped.
func (e *Engine) Process(ctx context.Context, docID string) error {
	if !e.begin(docID) {
		return nil
	}
	job, err := e.run(ctx, docID)
	e.end(docID)
	if err == nil || job == nil {
		return err
	}
	return e.handleFailure(ctx, job, err)
}

func (e *Engine) run(ctx context.Context, docID string) (*store.SyncJob, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	job, err := e.store.GetJobByDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, nil
	}

	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	job.LastAttemptAt = time.Now()
	if err := e.store.SetDocumentStatus(ctx, docID, store.DocStatusProcessing); err != nil {
		return nil, err
	}
	return job, e.runSteps(ctx, job)
}

// Enqueue processes a document on a background goroutine.
func (e *Engine) Enqueue(docID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.Process(context.Background(), docID); err != nil {
			slog.Error("sync_failed",
				slog.String("doc_id", docID),
				slog.String("error", err.Error()))
		}
	}()
}

func (e *Engine) begin(docID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, busy := e.inFlight[docID]; busy {
		return false
	}
	e.inFlight[docID] = struct{}{}
	return true
}

func (e *Engine) end(docID string) {
	e.mu.Lock()
	delete(e.inFlight, docID)
	e.mu.Unlock()
}

// runSteps executes the remaining pipeline steps, checkpointing the
// job after each.
func (e *Engine) runSteps(ctx context.Context, job *store.SyncJob) error {
	if job.Progress < progressSplit {
		if err := e.stepSplit(ctx, job); err != nil {
			return err
		}
	}
	if job.Progress < progressEmbed {
		if err := e.stepEmbed(ctx, job); err != nil {
			return err
		}
	}
	return e.stepFinalize(ctx, job)
}

// stepSplit chunks the document text and persists chunk rows and
// metadata atomically.
func (e *Engine) stepSplit(ctx context.Context, job *store.SyncJob) error {
	doc, err := e.store.GetDocument(ctx, job.DocID)
	if err != nil {
		return err
	}
	content, err := e.store.GetDocumentContent(ctx, job.DocID)
	if err != nil {
		return err
	}

	pieces := e.splitter.Split(content)
	chunks := make([]store.Chunk, len(pieces))
	metas := make([]store.ChunkMeta, len(pieces))
	for i, p := range pieces {
		pid := store.PointID(job.DocID, p.Index)
		chunks[i] = store.Chunk{
			PointID:      pid,
			DocID:        job.DocID,
			CollectionID: doc.CollectionID,
			ChunkIndex:   p.Index,
			Title:        p.Title,
			Content:      p.Content,
		}
		metas[i] = store.ChunkMeta{
			PointID:      pid,
			DocID:        job.DocID,
			CollectionID: doc.CollectionID,
			ChunkIndex:   p.Index,
			TitleChain:   p.TitleChain,
			ContentHash:  p.ContentHash,
		}
	}
	err = e.store.RunInTx(ctx, func(tx *sql.Tx) error {
		return e.store.ReplaceChunks(ctx, tx, job.DocID, chunks, metas)
	})
	if err != nil {
		return err
	}

	job.Status = store.JobStatusSplitOK
	job.Progress = progressSplit
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	slog.Debug("sync_split_ok",
		slog.String("doc_id", job.DocID),
		slog.Int("chunks", len(chunks)))
	return nil
}

// stepEmbed embeds the persisted chunks and upserts them into the
// vector index. Point ids are deterministic, so re-running after a
// crash overwrites rather than duplicates.
func (e *Engine) stepEmbed(ctx context.Context, job *store.SyncJob) error {
	chunks, err := e.store.GetChunksByDoc(ctx, job.DocID)
	if err != nil {
		return err
	}
	metas, err := e.store.GetChunkMeta(ctx, job.DocID)
	if err != nil {
		return err
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vecs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}

		metaByPoint := make(map[string]store.ChunkMeta, len(metas))
		for _, m := range metas {
			metaByPoint[m.PointID] = m
		}
		points := make([]vector.Point, len(chunks))
		for i, c := range chunks {
			m := metaByPoint[c.PointID]
			points[i] = vector.Point{
				ID:     c.PointID,
				Vector: vecs[i],
				Payload: vector.Payload{
					DocID:        c.DocID,
					CollectionID: c.CollectionID,
					ChunkIndex:   c.ChunkIndex,
					Content:      c.Content,
					TitleChain:   m.TitleChain,
					ContentHash:  m.ContentHash,
				},
			}
		}
		if err := e.vectors.Upsert(ctx, points); err != nil {
			return err
		}
	}

	job.Status = store.JobStatusEmbedOK
	job.Progress = progressEmbed
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	slog.Debug("sync_embed_ok",
		slog.String("doc_id", job.DocID),
		slog.Int("points", len(chunks)))
	return nil
}

// stepFinalize marks the document completed and the job synced.
func (e *Engine) stepFinalize(ctx context.Context, job *store.SyncJob) error {
	if err := e.store.SetDocumentStatus(ctx, job.DocID, store.DocStatusCompleted); err != nil {
		return err
	}
	job.Status = store.JobStatusSynced
	job.Progress = progressDone
	job.CompletedAt = time.Now()
	if !job.StartedAt.IsZero() {
		job.DurationMs = job.CompletedAt.Sub(job.StartedAt).Milliseconds()
	}
	job.ErrorMessage = ""
	job.ErrorCategory = ""
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	slog.Info("sync_completed",
		slog.String("doc_id", job.DocID),
		slog.Int("retries", job.Retries),
		slog.Int64("duration_ms", job.DurationMs))
	return nil
}

// handleFailure records the failure on the job, then either schedules
// a retry or marks the job dead. Progress keeps its last completed
// step so the retry resumes there.
func (e *Engine) handleFailure(ctx context.Context, job *store.SyncJob, cause error) error {
	cat := dferrors.Classify(cause)
	if err := e.markFailed(ctx, job, cat, cause); err != nil {
		return err
	}
	if err := e.resolveFailure(ctx, job, cat, cause); err != nil {
		return err
	}
	return cause
}

// markFailed persists the FAILED state with the classified error, so
// the failure is visible before the retry decision lands.
func (e *Engine) markFailed(ctx context.Context, job *store.SyncJob, cat dferrors.Category, cause error) error {
	job.Status = store.JobStatusFailed
	job.ErrorMessage = cause.Error()
	job.ErrorCategory = string(cat)
	job.LastRetryStrategy = string(cat)
	job.LastAttemptAt = time.Now()
	return e.store.UpdateJob(ctx, job)
}

// resolveFailure moves a FAILED job to RETRYING or DEAD.
func (e *Engine) resolveFailure(ctx context.Context, job *store.SyncJob, cat dferrors.Category, cause error) error {
	strategy, retryable := e.retryPlan(cat)
	if retryable && job.Retries < strategy.MaxRetries {
		job.Retries++
		job.Status = store.JobStatusRetrying
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return err
		}

		delay := strategy.Delay(job.Retries, randUnit())
		docID := job.DocID
		e.scheduler.Schedule(docID, job.Retries, delay, func() {
			e.Enqueue(docID)
		})
		slog.Warn("sync_retrying",
			slog.String("doc_id", job.DocID),
			slog.String("category", string(cat)),
			slog.Int("retry", job.Retries),
			slog.Int("max_retries", strategy.MaxRetries),
			slog.Duration("delay", delay))
		return nil
	}

	job.Status = store.JobStatusDead
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := e.store.SetDocumentStatus(ctx, job.DocID, store.DocStatusFailed); err != nil {
		return err
	}
	slog.Error("sync_dead",
		slog.String("doc_id", job.DocID),
		slog.String("category", string(cat)),
		slog.Int("retries", job.Retries),
		slog.String("error", cause.Error()))
	return nil
}

// retryPlan resolves the strategy for a failure category. Temporary
// categories use their dedicated strategy; UNKNOWN falls back to the
// configured default so unclassified errors still get a bounded retry
// budget. Deliberately permanent categories never retry.
func (e *Engine) retryPlan(cat dferrors.Category) (dferrors.RetryStrategy, bool) {
	if dferrors.IsTemporary(cat) {
		return e.strategyFor(cat), true
	}
	if cat == dferrors.CategoryUnknown && e.cfg.DefaultRetry.MaxRetries > 0 {
		return e.cfg.DefaultRetry, true
	}
	return e.strategyFor(cat), false
}

// Recover resumes interrupted work after a restart: non-terminal jobs
// are requeued, except failed or retrying jobs whose retry budget was
// already spent, which are marked dead instead of being granted a
// fresh attempt. Returns the number of jobs requeued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobsByStatus(ctx,
		store.JobStatusNew, store.JobStatusSplitOK, store.JobStatusEmbedOK,
		store.JobStatusRetrying, store.JobStatusFailed)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, job := range jobs {
		if job.Status == store.JobStatusRetrying || job.Status == store.JobStatusFailed {
			strategy, retryable := e.retryPlan(dferrors.Category(job.ErrorCategory))
			if !retryable || job.Retries >= strategy.MaxRetries {
				job.Status = store.JobStatusDead
				if err := e.store.UpdateJob(ctx, job); err != nil {
					return requeued, err
				}
				if err := e.store.SetDocumentStatus(ctx, job.DocID, store.DocStatusFailed); err != nil {
					return requeued, err
				}
				slog.Warn("sync_dead",
					slog.String("doc_id", job.DocID),
					slog.String("category", job.ErrorCategory),
					slog.Int("retries", job.Retries))
				continue
			}
		}
		e.Enqueue(job.DocID)
		requeued++
	}
	if requeued > 0 {
		slog.Info("sync_recovered", slog.Int("jobs", requeued))
	}
	return requeued, nil
}

// Cleanup purges terminal jobs: synced jobs past the cleanup window,
// dead jobs past the longer retention window.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	now := time.Now()
	synced, err := e.store.PurgeJobsByStatus(ctx, store.JobStatusSynced, now.Add(-e.cfg.CleanupAfter))
	if err != nil {
		return 0, err
	}
	dead, err := e.store.PurgeJobsByStatus(ctx, store.JobStatusDead, now.Add(-e.cfg.JobRetention))
	return synced + dead, err
}

// CancelRetry drops any pending retry for a document, used when the
// document is deleted.
func (e *Engine) CancelRetry(docID string) {
	e.scheduler.Cancel(docID)
}

// PendingRetries returns the number of scheduled retries.
func (e *Engine) PendingRetries() int {
	return e.scheduler.ActiveCount()
}

// RetryStats reports the scheduled retry backlog broken down by
// attempt number.
func (e *Engine) RetryStats() SchedulerStats {
	return e.scheduler.Stats()
}

// Close stops the scheduler and waits for in-flight work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.scheduler.Stop()
	e.wg.Wait()
}
