package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dferrors "github.com/docfold/docfold/internal/errors"
)

const testDims = 4

func newEmbedded(t *testing.T, path string) *EmbeddedStore {
	t.Helper()
	s, err := NewEmbeddedStore(EmbeddedConfig{Path: path, VectorSize: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func point(id, docID, collID string, vec ...float32) Point {
	return Point{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			DocID:        docID,
			CollectionID: collID,
			Content:      "text of " + id,
		},
	}
}

func TestEmbedded_UpsertAndSearch(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []Point{
		point("p1", "d1", "c1", 1, 0, 0, 0),
		point("p2", "d1", "c1", 0, 1, 0, 0),
		point("p3", "d2", "c1", 0.9, 0.1, 0, 0),
	}))

	results, err := s.Search(ctx, "c1", []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p1", results[0].PointID)
	assert.Equal(t, "p3", results[1].PointID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "d1", results[0].Payload.DocID)
	assert.Equal(t, "text of p1", results[0].Payload.Content)
}

func TestEmbedded_CollectionIsolation(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []Point{
		point("p1", "d1", "c1", 1, 0, 0, 0),
		point("p2", "d2", "c2", 1, 0, 0, 0),
	}))

	results, err := s.Search(ctx, "c2", []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2", results[0].PointID)
}

func TestEmbedded_UpsertSameIDReplaces(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []Point{point("p1", "d1", "c1", 1, 0, 0, 0)}))
	require.NoError(t, s.Upsert(ctx, []Point{point("p1", "d1", "c1", 0, 1, 0, 0)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	results, err := s.Search(ctx, "c1", []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].PointID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestEmbedded_DimensionMismatch(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	err := s.Upsert(ctx, []Point{point("p1", "d1", "c1", 1, 0)})
	assert.Equal(t, dferrors.ErrCodeDimensionMismatch, dferrors.GetCode(err))

	_, err = s.Search(ctx, "c1", []float32{1}, 1)
	assert.Equal(t, dferrors.ErrCodeDimensionMismatch, dferrors.GetCode(err))
}

func TestEmbedded_DeleteByDoc(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []Point{
		point("p1", "d1", "c1", 1, 0, 0, 0),
		point("p2", "d1", "c1", 0, 1, 0, 0),
		point("p3", "d2", "c1", 0, 0, 1, 0),
	}))

	require.NoError(t, s.DeleteByDoc(ctx, "d1"))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	results, err := s.Search(ctx, "c1", []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p3", results[0].PointID)
}

func TestEmbedded_DeleteByCollection(t *testing.T) {
	s := newEmbedded(t, "")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []Point{
		point("p1", "d1", "c1", 1, 0, 0, 0),
		point("p2", "d2", "c2", 0, 1, 0, 0),
	}))
	require.NoError(t, s.DeleteByCollection(ctx, "c1"))

	results, err := s.Search(ctx, "c1", []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Search(ctx, "c2", []float32{0, 1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEmbedded_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	ctx := context.Background()

	s, err := NewEmbeddedStore(EmbeddedConfig{Path: path, VectorSize: testDims})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []Point{
		point("p1", "d1", "c1", 1, 0, 0, 0),
		point("p2", "d1", "c1", 0, 1, 0, 0),
	}))
	require.NoError(t, s.Close())

	s2 := newEmbedded(t, path)
	n, err := s2.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	results, err := s2.Search(ctx, "c1", []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].PointID)
}

func TestEmbedded_ReloadVectorSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	ctx := context.Background()

	s, err := NewEmbeddedStore(EmbeddedConfig{Path: path, VectorSize: testDims})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []Point{point("p1", "d1", "c1", 1, 0, 0, 0)}))
	require.NoError(t, s.Close())

	_, err = NewEmbeddedStore(EmbeddedConfig{Path: path, VectorSize: 8})
	assert.Equal(t, dferrors.ErrCodeDimensionMismatch, dferrors.GetCode(err))
}

func TestEmbedded_EmptySearch(t *testing.T) {
	s := newEmbedded(t, "")
	results, err := s.Search(context.Background(), "c1", []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		in     string
		host   string
		port   int
		useTLS bool
	}{
		{"", "localhost", 6334, false},
		{"qdrant:6334", "qdrant", 6334, false},
		{"http://qdrant:6334", "qdrant", 6334, false},
		{"https://qdrant.example.com:6334", "qdrant.example.com", 6334, true},
		{"myhost", "myhost", 6334, false},
	}
	for _, tt := range tests {
		host, port, useTLS, err := parseQdrantURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
		assert.Equal(t, tt.useTLS, useTLS, tt.in)
	}

	_, _, _, err := parseQdrantURL("http://host:notaport")
	assert.Error(t, err)
}
