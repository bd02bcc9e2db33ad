package reranker

import (
	"context"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// LexicalReranker scores candidates by normalized term overlap with the query.
// It is a lighter-weight alternative to the LLM reranker with no runtime
// dependency, useful for latency-sensitive deployments.
type LexicalReranker struct{}

// NewLexicalReranker creates a lexical reranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Rerank orders candidates by the fraction of query terms appearing in each
// chunk, breaking ties by the original (coarse-score) ordering.
func (r *LexicalReranker) Rerank(_ context.Context, query string, candidates []vectorstore.SearchResult, topK int) ([]ScoredResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}

	queryTerms := termSet(query)

	scored := make([]ScoredResult, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredResult{
			SearchResult: c,
			RerankScore:  overlapScore(queryTerms, termSet(c.Payload.ChunkText)),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	return scored[:topK], nil
}

// termSet tokenizes text into a set of lowercase terms.
func termSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 {
			terms[word] = struct{}{}
		}
	}
	return terms
}

// overlapScore returns the fraction of query terms present in the chunk.
func overlapScore(query, chunk map[string]struct{}) float32 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for term := range query {
		if _, ok := chunk[term]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(query))
}

// Ensure LexicalReranker implements Reranker interface.
var _ Reranker = (*LexicalReranker)(nil)
