// Package search provides hybrid search: keyword (FTS5 bm25) and
// semantic (vector) arms run in parallel and are fused with
// Reciprocal Rank Fusion.
package search

import (
	"sort"
)

// RRFConstant is the RRF smoothing parameter. k=60 is empirically
// validated across domains (Azure AI Search, OpenSearch use the same).
const RRFConstant = 60

// FusedResult is a single result after RRF fusion.
type FusedResult struct {
	PointID       string
	Score         float64 // combined RRF score
	KeywordRank   int     // 1-indexed position in the keyword list, 0 if absent
	SemanticRank  int     // 1-indexed position in the semantic list, 0 if absent
	SemanticScore float64 // raw similarity from the vector arm, 0 if absent
	ChunkIndex    int
	DocID         string
}

// RankedHit is one entry of an input ranked list, best first.
type RankedHit struct {
	PointID    string
	Score      float64 // raw arm score; keyword bm25 is lower-is-better, semantic higher-is-better
	ChunkIndex int
	DocID      string
}

// Fuse combines two ranked lists with RRF:
//
//	score(p) = Σ 1/(k + rank_i(p))
//
// summing only over the lists where p appears; a missing list simply
// contributes nothing. Ties break by higher raw semantic score, then
// lower chunk index, then point id.
func Fuse(keyword, semantic []RankedHit) []FusedResult {
	if len(keyword) == 0 && len(semantic) == 0 {
		return []FusedResult{}
	}

	fused := make(map[string]*FusedResult, len(keyword)+len(semantic))
	get := func(h RankedHit) *FusedResult {
		if r, ok := fused[h.PointID]; ok {
			return r
		}
		r := &FusedResult{PointID: h.PointID, ChunkIndex: h.ChunkIndex, DocID: h.DocID}
		fused[h.PointID] = r
		return r
	}

	for i, h := range keyword {
		r := get(h)
		r.KeywordRank = i + 1
		r.Score += 1.0 / float64(RRFConstant+i+1)
	}
	for i, h := range semantic {
		r := get(h)
		r.SemanticRank = i + 1
		r.SemanticScore = h.Score
		r.Score += 1.0 / float64(RRFConstant+i+1)
	}

	results := make([]FusedResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SemanticScore != b.SemanticScore {
			return a.SemanticScore > b.SemanticScore
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.PointID < b.PointID
	})
	return results
}
