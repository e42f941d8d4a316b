// Package store is the relational + full-text persistence layer for
// docfold: collections, documents, chunks, chunk metadata, and sync
// jobs, backed by SQLite with an FTS5 index maintained by triggers.
package store

import (
	"time"
)

// DocStatus is the user-visible document lifecycle state. It is a
// cache; the authoritative per-doc state lives in SyncJob.
type DocStatus string

const (
	DocStatusNew        DocStatus = "new"
	DocStatusProcessing DocStatus = "processing"
	DocStatusCompleted  DocStatus = "completed"
	DocStatusFailed     DocStatus = "failed"
	DocStatusDeleted    DocStatus = "deleted"
)

// JobStatus is the durable sync state machine state.
type JobStatus string

const (
	JobStatusNew      JobStatus = "NEW"
	JobStatusSplitOK  JobStatus = "SPLIT_OK"
	JobStatusEmbedOK  JobStatus = "EMBED_OK"
	JobStatusSynced   JobStatus = "SYNCED"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusRetrying JobStatus = "RETRYING"
	JobStatusDead     JobStatus = "DEAD"
)

// Terminal reports whether a job status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSynced || s == JobStatusDead
}

// Collection groups documents.
type Collection struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Document is an ingested text document. Content is lazily loaded:
// list and get operations omit it; use GetDocumentContent.
type Document struct {
	ID           string
	CollectionID string
	Key          string
	Name         string
	Mime         string
	SizeBytes    int64
	ContentHash  string
	Status       DocStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	IsDeleted    bool
}

// Chunk is an ordered slice of a document's text. PointID doubles as
// the vector point id in the vector store.
type Chunk struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Title        string
	Content      string
}

// ChunkMeta carries per-chunk metadata kept outside the FTS-indexed table.
type ChunkMeta struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	TitleChain   string
	ContentHash  string
	CreatedAt    time.Time
}

// SyncJob is the durable record of a document's ingestion lifecycle.
type SyncJob struct {
	ID                string
	DocID             string
	Status            JobStatus
	Retries           int
	LastAttemptAt     time.Time
	ErrorMessage      string
	ErrorCategory     string
	LastRetryStrategy string
	StartedAt         time.Time
	CompletedAt       time.Time
	DurationMs        int64
	Progress          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FTSResult is a single keyword search hit. Rank is the FTS5 bm25()
// rank: lower is better.
type FTSResult struct {
	PointID    string
	ChunkIndex int
	Rank       float64
}

// Stats summarizes store contents.
type Stats struct {
	Collections int
	Documents   int
	Chunks      int
	JobsByState map[JobStatus]int
}
