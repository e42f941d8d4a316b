package search

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docfold/docfold/internal/chunk"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

const testDims = 4

// fakeEmbedder returns canned vectors per text, with a unit default.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return testDims }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Close() error      { return nil }

type testFixture struct {
	store   *store.Store
	vectors *vector.EmbeddedStore
	collID  string
	docID   string
}

// newFixture seeds one document with three chunks whose contents and
// vectors are chosen so keyword and semantic arms rank differently.
func newFixture(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(store.NewOptions(filepath.Join(t.TempDir(), "search.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vs, err := vector.NewEmbeddedStore(vector.EmbeddedConfig{VectorSize: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	coll, err := st.CreateCollection(ctx, "kb", "")
	require.NoError(t, err)

	content := "fixture doc"
	hash := chunk.HashText(content)
	doc := &store.Document{
		ID:           store.DocumentID(hash),
		CollectionID: coll.ID,
		Key:          "doc.md",
		ContentHash:  hash,
		Status:       store.DocStatusCompleted,
	}
	require.NoError(t, st.RunInTx(ctx, func(tx *sql.Tx) error {
		return st.UpsertDocument(ctx, tx, doc, content)
	}))

	contents := []string{
		"install the search daemon",
		"configure search indexing options",
		"totally unrelated cooking recipe",
	}
	vecs := [][]float32{
		{0, 1, 0, 0},
		{0.7, 0.7, 0, 0},
		{1, 0, 0, 0},
	}

	chunks := make([]store.Chunk, len(contents))
	metas := make([]store.ChunkMeta, len(contents))
	points := make([]vector.Point, len(contents))
	for i, c := range contents {
		pid := store.PointID(doc.ID, i)
		chunks[i] = store.Chunk{PointID: pid, DocID: doc.ID, CollectionID: coll.ID, ChunkIndex: i, Content: c}
		metas[i] = store.ChunkMeta{PointID: pid, DocID: doc.ID, CollectionID: coll.ID, ChunkIndex: i, ContentHash: chunk.HashText(c)}
		points[i] = vector.Point{
			ID:     pid,
			Vector: vecs[i],
			Payload: vector.Payload{
				DocID:        doc.ID,
				CollectionID: coll.ID,
				ChunkIndex:   i,
			},
		}
	}
	require.NoError(t, st.RunInTx(ctx, func(tx *sql.Tx) error {
		return st.ReplaceChunks(ctx, tx, doc.ID, chunks, metas)
	}))
	require.NoError(t, vs.Upsert(ctx, points))

	return &testFixture{store: st, vectors: vs, collID: coll.ID, docID: doc.ID}
}

func TestSearch_HybridCombinesArms(t *testing.T) {
	f := newFixture(t)
	// Query vector nearest to chunk 1 ("configure search indexing").
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"search": {0.7, 0.7, 0, 0},
	}}
	e := NewEngine(f.store, f.vectors, emb)

	resp, err := e.Search(context.Background(), f.collID, "search", 10)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)

	// Chunk 1 matches the keyword AND is nearest semantically.
	top := resp.Results[0]
	assert.Equal(t, 1, top.ChunkIndex)
	assert.NotZero(t, top.KeywordRank)
	assert.NotZero(t, top.SemanticRank)
	assert.Equal(t, "configure search indexing options", top.Content)
	assert.Equal(t, f.docID, top.DocID)
}

func TestSearch_DegradesWhenSemanticArmFails(t *testing.T) {
	f := newFixture(t)
	emb := &fakeEmbedder{err: dferrors.New(dferrors.ErrCodeNetworkUnavailable, "embed down", nil)}
	e := NewEngine(f.store, f.vectors, emb)

	resp, err := e.Search(context.Background(), f.collID, "search daemon", 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "semantic", resp.DegradedArm)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Zero(t, r.SemanticRank)
		assert.NotZero(t, r.KeywordRank)
	}
}

func TestSearch_EmptyWhenBothArmsFail(t *testing.T) {
	f := newFixture(t)
	emb := &fakeEmbedder{err: dferrors.New(dferrors.ErrCodeNetworkUnavailable, "embed down", nil)}
	e := NewEngine(f.store, f.vectors, emb)

	// Dropping the FTS table takes the keyword arm down as well.
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("DROP TABLE chunks_fts")
		return err
	}))

	resp, err := e.Search(context.Background(), f.collID, "search", 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "both", resp.DegradedArm)
	assert.Empty(t, resp.Results)
}

func TestSearch_SemanticOnlyWhenNoKeywordHits(t *testing.T) {
	f := newFixture(t)
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"nonsense zzzz": {1, 0, 0, 0},
	}}
	e := NewEngine(f.store, f.vectors, emb)

	resp, err := e.Search(context.Background(), f.collID, "nonsense zzzz", 2)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	// Keyword arm found nothing; top hit is semantic nearest (chunk 2).
	assert.Equal(t, 2, resp.Results[0].ChunkIndex)
	assert.Zero(t, resp.Results[0].KeywordRank)
}

func TestSearch_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store, f.vectors, &fakeEmbedder{})

	_, err := e.Search(context.Background(), f.collID, "   ", 10)
	assert.Equal(t, dferrors.ErrCodeQueryEmpty, dferrors.GetCode(err))

	_, err = e.Search(context.Background(), f.collID, "ok", -1)
	assert.Equal(t, dferrors.ErrCodeInvalidInput, dferrors.GetCode(err))

	// Zero is not a request for the default; defaulting is the
	// caller's job.
	_, err = e.Search(context.Background(), f.collID, "ok", 0)
	assert.Equal(t, dferrors.ErrCodeInvalidInput, dferrors.GetCode(err))
}

func TestSearch_LimitTruncatesFusedResults(t *testing.T) {
	f := newFixture(t)
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"search": {0.7, 0.7, 0, 0},
	}}
	e := NewEngine(f.store, f.vectors, emb)

	resp, err := e.Search(context.Background(), f.collID, "search", 1)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestSearch_DropsStalePoints(t *testing.T) {
	f := newFixture(t)
	emb := &fakeEmbedder{}
	e := NewEngine(f.store, f.vectors, emb)

	// Delete the chunk rows but leave vectors behind, simulating a
	// partially applied delete.
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx *sql.Tx) error {
		return f.store.ReplaceChunks(context.Background(), tx, f.docID, nil, nil)
	}))

	resp, err := e.Search(context.Background(), f.collID, "anything at all", 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}
