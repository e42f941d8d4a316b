package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/docfold/docfold/internal/embed"
	dferrors "github.com/docfold/docfold/internal/errors"
	"github.com/docfold/docfold/internal/store"
	"github.com/docfold/docfold/internal/vector"
)

// DefaultLimit is the result count callers apply when the user did not
// ask for a specific one. Search itself rejects a non-positive limit.
const DefaultLimit = 10

// armFetch controls how deep each arm searches before fusion. Fetching
// more than the final limit lets RRF surface results that rank
// mid-list in both arms.
const armFetchFactor = 3

// Result is one hybrid search hit with its chunk content resolved.
type Result struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Title        string
	Content      string
	Score        float64
	KeywordRank  int
	SemanticRank int
}

// Response is a search outcome. Degraded is set when one arm failed
// and results come from the surviving arm alone.
type Response struct {
	Results  []Result
	Degraded bool
	// DegradedArm names the failed arm: "keyword" or "semantic".
	DegradedArm string
}

// Engine runs hybrid searches against the store and vector index.
type Engine struct {
	store    *store.Store
	vectors  vector.Store
	embedder embed.Embedder
}

// NewEngine creates a search engine.
func NewEngine(st *store.Store, vectors vector.Store, embedder embed.Embedder) *Engine {
	return &Engine{store: st, vectors: vectors, embedder: embedder}
}

// Search runs both arms in parallel, fuses, and resolves chunk
// content. One failed arm degrades the response; both failing
// degrades to an empty result.
func (e *Engine) Search(ctx context.Context, collectionID, query string, limit int) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, dferrors.New(dferrors.ErrCodeQueryEmpty, "search query must not be empty", nil)
	}
	if limit <= 0 {
		return nil, dferrors.ValidationError("search limit must be positive", nil)
	}
	fetch := limit * armFetchFactor

	var (
		wg          sync.WaitGroup
		keyword     []RankedHit
		semantic    []RankedHit
		keywordErr  error
		semanticErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		hits, err := e.store.FTSSearch(ctx, collectionID, query, fetch)
		if err != nil {
			keywordErr = err
			return
		}
		for _, h := range hits {
			keyword = append(keyword, RankedHit{
				PointID:    h.PointID,
				Score:      h.Rank,
				ChunkIndex: h.ChunkIndex,
			})
		}
	}()
	go func() {
		defer wg.Done()
		vec, err := e.embedder.Embed(ctx, query)
		if err != nil {
			semanticErr = err
			return
		}
		hits, err := e.vectors.Search(ctx, collectionID, vec, fetch)
		if err != nil {
			semanticErr = err
			return
		}
		for _, h := range hits {
			semantic = append(semantic, RankedHit{
				PointID:    h.PointID,
				Score:      float64(h.Score),
				ChunkIndex: h.Payload.ChunkIndex,
				DocID:      h.Payload.DocID,
			})
		}
	}()
	wg.Wait()

	// Both arms failing yields an empty degraded response rather than
	// an error; the caller sees the outage on the Degraded flag and in
	// the log.
	if keywordErr != nil && semanticErr != nil {
		slog.Error("search_arms_failed",
			slog.String("keyword_error", keywordErr.Error()),
			slog.String("semantic_error", semanticErr.Error()))
		return &Response{Results: []Result{}, Degraded: true, DegradedArm: "both"}, nil
	}

	resp := &Response{}
	switch {
	case keywordErr != nil:
		resp.Degraded = true
		resp.DegradedArm = "keyword"
		slog.Warn("search_arm_failed",
			slog.String("arm", "keyword"),
			slog.String("error", keywordErr.Error()))
	case semanticErr != nil:
		resp.Degraded = true
		resp.DegradedArm = "semantic"
		slog.Warn("search_arm_failed",
			slog.String("arm", "semantic"),
			slog.String("error", semanticErr.Error()))
	}

	fused := Fuse(keyword, semantic)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	results, err := e.resolve(ctx, fused)
	if err != nil {
		return nil, err
	}
	resp.Results = results
	return resp, nil
}

// resolve loads chunk content for fused hits, preserving fusion order.
// Points whose chunk row has disappeared (concurrent delete) are
// dropped silently.
func (e *Engine) resolve(ctx context.Context, fused []FusedResult) ([]Result, error) {
	if len(fused) == 0 {
		return []Result{}, nil
	}
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.PointID
	}
	chunks, err := e.store.FetchChunksByPointIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(fused))
	for _, f := range fused {
		c, ok := chunks[f.PointID]
		if !ok {
			continue
		}
		results = append(results, Result{
			PointID:      f.PointID,
			DocID:        c.DocID,
			CollectionID: c.CollectionID,
			ChunkIndex:   c.ChunkIndex,
			Title:        c.Title,
			Content:      c.Content,
			Score:        f.Score,
			KeywordRank:  f.KeywordRank,
			SemanticRank: f.SemanticRank,
		})
	}
	return results, nil
}
