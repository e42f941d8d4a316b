package store

import (
	"fmt"

	"github.com/google/uuid"
)

// Namespaces for deterministic v5 UUIDs. Qdrant point ids must be
// UUIDs or integers, so both document and point ids are UUID-shaped.
var (
	nsDocument = uuid.MustParse("6f1c8f50-2f5b-4c11-9e63-7a1d0e3d8b01")
	nsPoint    = uuid.MustParse("b4e9d6a2-8c07-49a4-b5d4-f20a6f9f4c02")
)

// DocumentID derives the document id from its content hash, so
// identical content yields an identical id.
func DocumentID(contentHash string) string {
	return uuid.NewSHA1(nsDocument, []byte(contentHash)).String()
}

// PointID derives the deterministic chunk/point id from (docId, chunkIndex).
// Re-ingesting a document therefore produces the same point ids, which
// makes vector upserts idempotent.
func PointID(docID string, chunkIndex int) string {
	return uuid.NewSHA1(nsPoint, []byte(fmt.Sprintf("%s:%d", docID, chunkIndex))).String()
}

// NewJobID returns a random id for a sync job row.
func NewJobID() string {
	return uuid.NewString()
}
