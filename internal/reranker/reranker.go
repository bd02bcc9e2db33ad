// Package reranker provides re-ranking of retrieval candidates.
//
// Re-ranking scores query-candidate pairs together rather than independently,
// trading latency for precision. It is an optional stage: when the reranker or
// its model is unavailable, retrieval degrades to the original ordering
// truncated to the requested count instead of failing the request.
package reranker

import (
	"context"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// ScoredResult is a search result with its reranking score. Rerank scores live
// on a different scale than the coarse retrieval scores and must not be
// compared across modes.
type ScoredResult struct {
	vectorstore.SearchResult
	RerankScore float32
}

// Reranker reorders candidates by a finer-grained relevance signal. The
// returned slice holds at most topK entries, all drawn from the input set,
// sorted by descending rerank score.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []vectorstore.SearchResult, topK int) ([]ScoredResult, error)
}

// Passthrough returns the first topK candidates unchanged, carrying their
// coarse scores. Used when reranking is unavailable or fails.
func Passthrough(candidates []vectorstore.SearchResult, topK int) []ScoredResult {
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	results := make([]ScoredResult, len(candidates))
	for i, c := range candidates {
		results[i] = ScoredResult{SearchResult: c, RerankScore: c.Score}
	}
	return results
}
