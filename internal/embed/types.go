// Package embed turns chunk text into dense vectors via an
// OpenAI-compatible embeddings endpoint, with an LRU cache layered on
// top for repeated queries.
package embed

import (
	"context"
	"math"
	"time"
)

// Embedder generates dense vector embeddings from text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result
	// is index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// Defaults for the HTTP embedder.
const (
	DefaultBatchSize   = 200
	DefaultDimensions  = 1536
	DefaultTimeout     = 60 * time.Second
	DefaultMaxInFlight = 4
)

// normalizeVector normalizes a vector to unit length so cosine
// similarity reduces to a dot product. Zero vectors pass through.
func normalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
