// Package coordinator exposes the service-level operations: document
// import and lifecycle, collection management, hybrid search, and
// consistency reporting. It owns the ordering between the relational
// store, the vector index, and the sync engine.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docfold/docfold/internal/chunk"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/ingest"
	"github.com/docfold/docfold/internal/ratelimit"
	"github.com/docfold/docfold/internal/search"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

// Coordinator wires the subsystems together.
type Coordinator struct {
	store   *store.Store
	vectors vector.Store
	engine  *ingest.Engine
	search  *search.Engine
	limiter *ratelimit.Limiter // nil disables rate limiting
}

// New creates a coordinator. limiter may be nil.
func New(st *store.Store, vectors vector.Store, engine *ingest.Engine, searchEngine *search.Engine, limiter *ratelimit.Limiter) *Coordinator {
	return &Coordinator{
		store:   st,
		vectors: vectors,
		engine:  engine,
		search:  searchEngine,
		limiter: limiter,
	}
}

// ImportRequest describes a document to ingest.
type ImportRequest struct {
	Collection string // collection name
	Key        string // stable document key within the collection
	Name       string
	Mime       string
	Content    string
	ClientIP   string
}

// ImportResult reports what an import did.
type ImportResult struct {
	DocID string
	// Unchanged is true when the content hash matched the existing
	// document and only metadata was refreshed.
	Unchanged bool
	// Replaced is true when an existing document with different
	// content was removed and re-ingested.
	Replaced bool
}

// ImportDocument ingests a document. Content is hashed to derive the
// document id, so re-importing identical content is a metadata-only
// no-op, and changed content atomically replaces the old document
// before the new sync starts.
func (c *Coordinator) ImportDocument(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, dferrors.ValidationError("document key must not be empty", nil)
	}
	if err := c.allow(req.ClientIP, "upload"); err != nil {
		return nil, err
	}

	coll, err := c.store.GetCollectionByName(ctx, req.Collection)
	if err != nil {
		return nil, err
	}

	hash := chunk.HashText(req.Content)
	docID := store.DocumentID(hash)

	existing, err := c.store.GetDocumentByKey(ctx, coll.ID, req.Key)
	if err != nil && dferrors.GetCode(err) != dferrors.ErrCodeNotFound {
		return nil, err
	}

	if existing != nil && existing.ContentHash == hash {
		if err := c.store.UpdateDocumentMetadata(ctx, existing.ID, req.Name, req.Mime); err != nil {
			return nil, err
		}
		slog.Debug("import_unchanged",
			slog.String("doc_id", existing.ID),
			slog.String("key", req.Key))
		return &ImportResult{DocID: existing.ID, Unchanged: true}, nil
	}

	replaced := existing != nil
	if replaced {
		c.engine.CancelRetry(existing.ID)
	}

	doc := &store.Document{
		ID:           docID,
		CollectionID: coll.ID,
		Key:          req.Key,
		Name:         req.Name,
		Mime:         req.Mime,
		SizeBytes:    int64(len(req.Content)),
		ContentHash:  hash,
		Status:       store.DocStatusNew,
	}
	err = c.store.RunInTx(ctx, func(tx *sql.Tx) error {
		if replaced {
			if err := c.store.DeleteDocumentTx(ctx, tx, existing.ID); err != nil {
				return err
			}
		}
		if err := c.store.UpsertDocument(ctx, tx, doc, req.Content); err != nil {
			return err
		}
		_, err := c.store.CreateJob(ctx, tx, docID)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The old vectors go after the row swap commits; deterministic
	// point ids mean a crash here leaves orphans that the next
	// consistency check reports, never wrong search results for the
	// new content.
	if replaced && existing.ID != docID {
		if err := c.vectors.DeleteByDoc(ctx, existing.ID); err != nil {
			slog.Warn("stale_vector_cleanup_failed",
				slog.String("doc_id", existing.ID),
				slog.String("error", err.Error()))
		}
	}

	c.engine.Enqueue(docID)
	slog.Info("import_accepted",
		slog.String("doc_id", docID),
		slog.String("collection", req.Collection),
		slog.String("key", req.Key),
		slog.Bool("replaced", replaced))
	return &ImportResult{DocID: docID, Replaced: replaced}, nil
}

// ResyncDocument resets a document's job to the beginning and
// reprocesses it. This is the manual escape hatch for DEAD jobs.
func (c *Coordinator) ResyncDocument(ctx context.Context, docID string) error {
	if _, err := c.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	c.engine.CancelRetry(docID)

	err := c.store.RunInTx(ctx, func(tx *sql.Tx) error {
		_, err := c.store.CreateJob(ctx, tx, docID)
		return err
	})
	if err != nil {
		return err
	}
	if err := c.store.SetDocumentStatus(ctx, docID, store.DocStatusNew); err != nil {
		return err
	}
	c.engine.Enqueue(docID)
	return nil
}

// DeleteDocument removes a document everywhere: pending retries, the
// relational rows (chunks and job cascade), and its vectors.
func (c *Coordinator) DeleteDocument(ctx context.Context, docID string) error {
	c.engine.CancelRetry(docID)
	if err := c.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if err := c.vectors.DeleteByDoc(ctx, docID); err != nil {
		return err
	}
	slog.Info("document_deleted", slog.String("doc_id", docID))
	return nil
}

// DeleteCollection removes a collection with everything in it.
func (c *Coordinator) DeleteCollection(ctx context.Context, name string) error {
	coll, err := c.store.GetCollectionByName(ctx, name)
	if err != nil {
		return err
	}
	const page = 100
	cancelled := 0
	for offset := 0; ; offset += page {
		docs, err := c.store.ListDocuments(ctx, coll.ID, page, offset)
		if err != nil {
			return err
		}
		for _, d := range docs {
			c.engine.CancelRetry(d.ID)
		}
		cancelled += len(docs)
		if len(docs) < page {
			break
		}
	}
	if err := c.store.DeleteCollection(ctx, coll.ID); err != nil {
		return err
	}
	if err := c.vectors.DeleteByCollection(ctx, coll.ID); err != nil {
		return err
	}
	slog.Info("collection_deleted",
		slog.String("collection", name),
		slog.Int("documents", cancelled))
	return nil
}

// CreateCollection creates a named collection.
func (c *Coordinator) CreateCollection(ctx context.Context, name, description string) (*store.Collection, error) {
	return c.store.CreateCollection(ctx, name, description)
}

// ListCollections lists all collections.
func (c *Coordinator) ListCollections(ctx context.Context) ([]*store.Collection, error) {
	return c.store.ListCollections(ctx)
}

// ListDocuments lists documents in a collection, most recently
// updated first.
func (c *Coordinator) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]*store.Document, error) {
	coll, err := c.store.GetCollectionByName(ctx, collection)
	if err != nil {
		return nil, err
	}
	return c.store.ListDocuments(ctx, coll.ID, limit, offset)
}

// SearchRequest is a hybrid search call.
type SearchRequest struct {
	Collection string
	Query      string
	Limit      int
	ClientIP   string
}

// Search runs a hybrid search in a collection. An unset limit means
// the default result count.
func (c *Coordinator) Search(ctx context.Context, req SearchRequest) (*search.Response, error) {
	if err := c.allow(req.ClientIP, "search"); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = search.DefaultLimit
	}
	coll, err := c.store.GetCollectionByName(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	return c.search.Search(ctx, coll.ID, req.Query, req.Limit)
}

// DocumentStatus pairs a document with its sync job.
type DocumentStatus struct {
	Document *store.Document
	Job      *store.SyncJob
}

// Status returns a document's lifecycle state and sync job.
func (c *Coordinator) Status(ctx context.Context, docID string) (*DocumentStatus, error) {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	job, err := c.store.GetJobByDoc(ctx, docID)
	if err != nil && dferrors.GetCode(err) != dferrors.ErrCodeNotFound {
		return nil, err
	}
	return &DocumentStatus{Document: doc, Job: job}, nil
}

// ConsistencyReport compares the relational chunk rows against the
// vector index.
type ConsistencyReport struct {
	StoreChunks  int
	VectorPoints uint64
	Consistent   bool
}

// CheckConsistency reports drift between the store and the vector
// index. Drift appears transiently while syncs are in flight and
// permanently after a crash between the two writes.
func (c *Coordinator) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	points, err := c.vectors.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &ConsistencyReport{
		StoreChunks:  stats.Chunks,
		VectorPoints: points,
		Consistent:   uint64(stats.Chunks) == points,
	}, nil
}

// Stats aggregates store counts, job states, and retry backlog.
type Stats struct {
	Store        *store.Stats
	VectorPoints uint64
	// PendingRetries is the scheduled retry backlog; RetriesByAttempt
	// breaks it down by how deep each document is into its budget.
	PendingRetries   int
	RetriesByAttempt map[int]int
}

// Stats returns service-wide statistics.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	points, err := c.vectors.Count(ctx)
	if err != nil {
		return nil, err
	}
	retries := c.engine.RetryStats()
	return &Stats{
		Store:            st,
		VectorPoints:     points,
		PendingRetries:   retries.Pending,
		RetriesByAttempt: retries.ByAttempt,
	}, nil
}

// Recover resumes interrupted sync jobs; call once at startup.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	return c.engine.Recover(ctx)
}

// Cleanup purges terminal jobs past retention and prunes idle rate
// limit buckets.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	n, err := c.engine.Cleanup(ctx)
	if err != nil {
		return err
	}
	pruned := 0
	if c.limiter != nil {
		pruned = c.limiter.Prune(time.Hour)
	}
	slog.Debug("cleanup_done",
		slog.Int64("jobs_purged", n),
		slog.Int("buckets_pruned", pruned))
	return nil
}

// allow consults the rate limiter when one is configured.
func (c *Coordinator) allow(ip, operation string) error {
	if c.limiter == nil {
		return nil
	}
	d := c.limiter.Allow(ratelimit.Request{IP: ip, Operation: operation})
	if d.Allowed {
		return nil
	}
	return dferrors.New(dferrors.ErrCodeRateLimited,
		fmt.Sprintf("rate limited by %s tier", d.Tier), nil).
		WithDetail("retry_after", d.RetryAfter.String())
}
