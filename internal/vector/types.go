// Package vector abstracts the dense-vector index behind a small
// interface with two backends: a Qdrant server reached over gRPC, and
// an embedded in-process HNSW graph for single-binary deployments.
package vector

import (
	"context"
)

// Payload is the metadata stored alongside each vector point. It
// carries the chunk text itself, so a hit can be rendered and filtered
// by collection without a store lookup.
type Payload struct {
	DocID        string
	CollectionID string
	ChunkIndex   int
	Content      string
	TitleChain   string
	ContentHash  string
}

// Point is a vector with its deterministic id and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult is a scored nearest-neighbor hit. Score is a
// similarity: higher is better.
type SearchResult struct {
	PointID string
	Score   float32
	Payload Payload
}

// Store is the vector index. Implementations must make Upsert
// idempotent for repeated point ids.
type Store interface {
	// EnsureReady creates the backing collection/index if needed and
	// verifies the configured vector size.
	EnsureReady(ctx context.Context) error

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit nearest neighbors within a collection,
	// ordered by descending score.
	Search(ctx context.Context, collectionID string, vec []float32, limit int) ([]SearchResult, error)

	// DeleteByDoc removes all points belonging to a document.
	DeleteByDoc(ctx context.Context, docID string) error

	// DeleteByCollection removes all points belonging to a collection.
	DeleteByCollection(ctx context.Context, collectionID string) error

	// Count returns the number of live points.
	Count(ctx context.Context) (uint64, error)

	// Close releases resources.
	Close() error
}
