package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docfold/docfold/internal/chunk"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

const testDims = 4

// scriptedEmbedder fails according to a script of errors (nil means
// success) and records every batch it was asked to embed.
type scriptedEmbedder struct {
	mu      sync.Mutex
	script  []error
	call    int
	batches [][]string
}

func (s *scriptedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, texts)
	var err error
	if s.call < len(s.script) {
		err = s.script[s.call]
	}
	s.call++
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (s *scriptedEmbedder) Dimensions() int   { return testDims }
func (s *scriptedEmbedder) ModelName() string { return "scripted" }
func (s *scriptedEmbedder) Close() error      { return nil }

func (s *scriptedEmbedder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *scriptedEmbedder) allBatches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	copy(out, s.batches)
	return out
}

type fixture struct {
	store    *store.Store
	vectors  *vector.EmbeddedStore
	embedder *scriptedEmbedder
	engine   *Engine
}

// fastStrategy keeps the taxonomy's retry counts but shrinks delays so
// tests finish quickly.
func fastStrategy(cat dferrors.Category) dferrors.RetryStrategy {
	s := dferrors.StrategyFor(cat)
	if s.MaxRetries > 0 {
		s.BaseDelay = time.Millisecond
		s.MaxDelay = 5 * time.Millisecond
	}
	return s
}

func newFixture(t *testing.T, script ...error) *fixture {
	t.Helper()

	st, err := store.Open(store.NewOptions(filepath.Join(t.TempDir(), "ingest.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vs, err := vector.NewEmbeddedStore(vector.EmbeddedConfig{VectorSize: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	splitter, err := chunk.NewSplitter(chunk.Options{Strategy: chunk.ByHeadings})
	require.NoError(t, err)

	emb := &scriptedEmbedder{script: script}
	eng := NewEngine(st, vs, emb, splitter, Config{MaxParallelDocs: 2})
	eng.strategyFor = fastStrategy
	t.Cleanup(eng.Close)

	return &fixture{store: st, vectors: vs, embedder: emb, engine: eng}
}

// createDoc inserts a collection, document, and NEW job, returning the
// doc id.
func (f *fixture) createDoc(t *testing.T, key, content string) string {
	t.Helper()
	ctx := context.Background()

	coll, err := f.store.GetCollectionByName(ctx, "test")
	if err != nil {
		coll, err = f.store.CreateCollection(ctx, "test", "")
		require.NoError(t, err)
	}

	hash := chunk.HashText(content)
	doc := &store.Document{
		ID:           store.DocumentID(hash),
		CollectionID: coll.ID,
		Key:          key,
		ContentHash:  hash,
		Status:       store.DocStatusNew,
	}
	require.NoError(t, f.store.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := f.store.UpsertDocument(ctx, tx, doc, content); err != nil {
			return err
		}
		_, err := f.store.CreateJob(ctx, tx, doc.ID)
		return err
	}))
	return doc.ID
}

func waitForStatus(t *testing.T, st *store.Store, docID string, want store.JobStatus) *store.SyncJob {
	t.Helper()
	var job *store.SyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJobByDoc(context.Background(), docID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return job
}

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Heading\n\nalpha beta gamma.")
	require.NoError(t, f.engine.Process(ctx, docID))

	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusSynced, job.Status)
	assert.Equal(t, progressDone, job.Progress)
	assert.Zero(t, job.Retries)
	assert.False(t, job.CompletedAt.IsZero())

	doc, err := f.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusCompleted, doc.Status)

	chunks, err := f.store.GetChunksByDoc(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alpha beta gamma.", chunks[0].Content)
	assert.Equal(t, store.PointID(docID, 0), chunks[0].PointID)

	n, err := f.vectors.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The indexed point carries the chunk text in its payload.
	hits, err := f.vectors.Search(ctx, chunks[0].CollectionID, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha beta gamma.", hits[0].Payload.Content)
	assert.Equal(t, docID, hits[0].Payload.DocID)
}

func TestProcess_EmptyDocumentSyncsWithNoChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "empty.md", "   \n\t  ")
	require.NoError(t, f.engine.Process(ctx, docID))

	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusSynced, job.Status)

	n, err := f.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	// No chunks, no embedding calls.
	assert.Zero(t, f.embedder.calls())
}

func TestProcess_ResumesFromSplitWithoutResplitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Title\n\noriginal body text")

	// Run only the split step, simulating a crash before embedding.
	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	require.NoError(t, f.engine.stepSplit(ctx, job))
	require.Equal(t, store.JobStatusSplitOK, job.Status)

	// Tamper with the persisted chunk. If resume re-ran the split the
	// marker would be overwritten from the document text.
	chunks, err := f.store.GetChunksByDoc(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunks[0].Content = "tampered marker"
	metas, err := f.store.GetChunkMeta(ctx, docID)
	require.NoError(t, err)
	require.NoError(t, f.store.RunInTx(ctx, func(tx *sql.Tx) error {
		return f.store.ReplaceChunks(ctx, tx, docID, chunks, metas)
	}))

	// "Restart": a fresh engine picks the job up via recovery.
	eng2 := NewEngine(f.store, f.vectors, f.embedder, mustSplitter(t), Config{MaxParallelDocs: 2})
	eng2.strategyFor = fastStrategy
	defer eng2.Close()

	n, err := eng2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitForStatus(t, f.store, docID, store.JobStatusSynced)
	batches := f.embedder.allBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"tampered marker"}, batches[0])
}

func mustSplitter(t *testing.T) *chunk.Splitter {
	t.Helper()
	s, err := chunk.NewSplitter(chunk.Options{Strategy: chunk.ByHeadings})
	require.NoError(t, err)
	return s
}

func TestProcess_TransientFailuresThenSuccess(t *testing.T) {
	netErr := dferrors.New(dferrors.ErrCodeNetworkUnavailable, "connection refused", nil)
	f := newFixture(t, netErr, netErr, nil)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nsome text")

	// First attempt fails and schedules a retry.
	err := f.engine.Process(ctx, docID)
	require.Error(t, err)

	job := waitForStatus(t, f.store, docID, store.JobStatusSynced)
	assert.Equal(t, 2, job.Retries)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, 3, f.embedder.calls())

	doc, err := f.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusCompleted, doc.Status)
}

func TestProcess_PermanentFailureGoesDead(t *testing.T) {
	authErr := dferrors.New(dferrors.ErrCodeUnauthorized, "invalid api key", nil)
	f := newFixture(t, authErr)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nsome text")

	err := f.engine.Process(ctx, docID)
	require.Error(t, err)

	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDead, job.Status)
	assert.Zero(t, job.Retries)
	assert.Equal(t, string(dferrors.CategoryAuth), job.ErrorCategory)
	assert.Contains(t, job.ErrorMessage, "invalid api key")

	doc, err := f.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusFailed, doc.Status)

	// Permanent failure never schedules a retry.
	assert.Zero(t, f.engine.PendingRetries())
	assert.Equal(t, 1, f.embedder.calls())
}

func TestProcess_ExhaustedRetriesGoDead(t *testing.T) {
	netErr := dferrors.New(dferrors.ErrCodeNetworkUnavailable, "still down", nil)
	// More failures than NETWORK's retry budget of 5.
	f := newFixture(t, netErr, netErr, netErr, netErr, netErr, netErr, netErr)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nsome text")
	_ = f.engine.Process(ctx, docID)

	job := waitForStatus(t, f.store, docID, store.JobStatusDead)
	assert.Equal(t, 5, job.Retries)

	doc, err := f.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusFailed, doc.Status)
}

func TestProcess_UnclassifiedFailureUsesDefaultRetry(t *testing.T) {
	plain := fmt.Errorf("embedder hiccup")
	f := newFixture(t, plain, plain, plain, nil)
	ctx := context.Background()

	// Without a fallback strategy an unclassified failure is dead on
	// arrival.
	docID := f.createDoc(t, "a.md", "# Doc\n\nsome text")
	err := f.engine.Process(ctx, docID)
	require.Error(t, err)

	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDead, job.Status)
	assert.Zero(t, job.Retries)
	assert.Equal(t, string(dferrors.CategoryUnknown), job.ErrorCategory)

	// With one, the same failure gets the configured budget.
	eng := NewEngine(f.store, f.vectors, f.embedder, mustSplitter(t), Config{
		MaxParallelDocs: 2,
		DefaultRetry: dferrors.RetryStrategy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Factor:     2.0,
		},
	})
	eng.strategyFor = fastStrategy
	defer eng.Close()

	docID2 := f.createDoc(t, "b.md", "# Doc\n\nother text")
	_ = eng.Process(ctx, docID2)

	job2 := waitForStatus(t, f.store, docID2, store.JobStatusSynced)
	assert.Equal(t, 2, job2.Retries)
}

func TestHandleFailure_PassesThroughFailedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nbody")
	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)

	netErr := dferrors.New(dferrors.ErrCodeNetworkUnavailable, "connection refused", nil)
	cat := dferrors.Classify(netErr)

	// The failure is persisted as FAILED with its classification before
	// the retry decision lands.
	require.NoError(t, f.engine.markFailed(ctx, job, cat, netErr))
	persisted, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, persisted.Status)
	assert.Equal(t, string(dferrors.CategoryNetwork), persisted.ErrorCategory)
	assert.Contains(t, persisted.ErrorMessage, "connection refused")

	require.NoError(t, f.engine.resolveFailure(ctx, job, cat, netErr))
	persisted, err = f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusRetrying, persisted.Status)
	assert.Equal(t, 1, persisted.Retries)
}

func TestRecover_ExhaustedRetryingJobGoesDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nbody")
	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	job.Status = store.JobStatusRetrying
	job.Retries = 5 // NETWORK budget spent
	job.ErrorCategory = string(dferrors.CategoryNetwork)
	job.ErrorMessage = "still down"
	require.NoError(t, f.store.UpdateJob(ctx, job))

	eng := NewEngine(f.store, f.vectors, f.embedder, mustSplitter(t), Config{MaxParallelDocs: 2})
	eng.strategyFor = fastStrategy
	defer eng.Close()

	n, err := eng.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDead, got.Status)
	assert.Equal(t, 5, got.Retries)

	doc, err := f.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusFailed, doc.Status)
	// No fresh attempt was granted.
	assert.Zero(t, f.embedder.calls())
}

func TestRecover_ResumesFailedJobWithBudgetLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nbody")
	job, err := f.store.GetJobByDoc(ctx, docID)
	require.NoError(t, err)
	job.Status = store.JobStatusFailed
	job.Retries = 1
	job.ErrorCategory = string(dferrors.CategoryNetwork)
	job.ErrorMessage = "crashed before scheduling"
	require.NoError(t, f.store.UpdateJob(ctx, job))

	eng := NewEngine(f.store, f.vectors, f.embedder, mustSplitter(t), Config{MaxParallelDocs: 2})
	eng.strategyFor = fastStrategy
	defer eng.Close()

	n, err := eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitForStatus(t, f.store, docID, store.JobStatusSynced)
}

func TestProcess_TerminalJobIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nbody")
	require.NoError(t, f.engine.Process(ctx, docID))
	callsAfterFirst := f.embedder.calls()

	// Reprocessing a synced job does nothing.
	require.NoError(t, f.engine.Process(ctx, docID))
	assert.Equal(t, callsAfterFirst, f.embedder.calls())
}

func TestCleanup_PurgesOldTerminalJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docID := f.createDoc(t, "a.md", "# Doc\n\nbody")
	require.NoError(t, f.engine.Process(ctx, docID))

	// Synced jobs go through the short cleanup window, not the dead-job
	// retention window.
	f.engine.cfg.JobRetention = 30 * 24 * time.Hour
	f.engine.cfg.CleanupAfter = -time.Hour
	n, err := f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestScheduler_ReplaceAndCancel(t *testing.T) {
	s := NewRetryScheduler()
	defer s.Stop()

	var mu sync.Mutex
	fired := map[string]int{}
	record := func(id string) func() {
		return func() {
			mu.Lock()
			fired[id]++
			mu.Unlock()
		}
	}

	// Rescheduling replaces the first timer.
	s.Schedule("d1", 1, 50*time.Millisecond, record("first"))
	s.Schedule("d1", 2, 5*time.Millisecond, record("second"))
	assert.Equal(t, 1, s.ActiveCount())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["second"] == 1
	}, time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, fired["first"])
	mu.Unlock()

	// Cancel prevents firing.
	s.Schedule("d2", 1, 10*time.Millisecond, record("cancelled"))
	assert.True(t, s.Cancel("d2"))
	assert.False(t, s.Cancel("d2"))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, fired["cancelled"])
	mu.Unlock()
}

func TestScheduler_StatsBreakdown(t *testing.T) {
	s := NewRetryScheduler()
	defer s.Stop()

	s.Schedule("d1", 1, time.Hour, func() {})
	s.Schedule("d2", 1, time.Hour, func() {})
	s.Schedule("d3", 3, time.Hour, func() {})

	stats := s.Stats()
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, map[int]int{1: 2, 3: 1}, stats.ByAttempt)

	s.Cancel("d3")
	assert.Equal(t, map[int]int{1: 2}, s.Stats().ByAttempt)
}

func TestScheduler_StopDropsPending(t *testing.T) {
	s := NewRetryScheduler()
	var fired sync.Map

	s.Schedule("d1", 1, 10*time.Millisecond, func() { fired.Store("d1", true) })
	s.Stop()
	assert.Zero(t, s.ActiveCount())

	// Scheduling after stop is a no-op.
	s.Schedule("d2", 1, time.Millisecond, func() { fired.Store("d2", true) })
	time.Sleep(30 * time.Millisecond)
	_, ok1 := fired.Load("d1")
	_, ok2 := fired.Load("d2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}
