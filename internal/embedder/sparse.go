package embedder

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// bm25K1 controls term-frequency saturation: repeated terms gain weight with
// diminishing returns instead of linearly.
const bm25K1 = 1.2

// LexicalSparseEncoder produces deterministic sparse vectors from text without
// an external model: terms are hashed to indices with FNV-1a and weighted by
// saturated term frequency. Two terms hashing to the same index have their
// weights summed, so indices stay unique within a vector.
type LexicalSparseEncoder struct{}

// NewLexicalSparseEncoder creates a lexical sparse encoder.
func NewLexicalSparseEncoder() *LexicalSparseEncoder {
	return &LexicalSparseEncoder{}
}

// EncodeSparse converts text into a sparse vector. Empty or all-stopword-ish
// text yields an empty vector, which hybrid search treats as "no sparse query".
func (e *LexicalSparseEncoder) EncodeSparse(_ context.Context, text string) (*vectorstore.SparseVector, error) {
	counts := termCounts(text)
	if len(counts) == 0 {
		return &vectorstore.SparseVector{}, nil
	}

	weights := make(map[uint32]float32, len(counts))
	for term, tf := range counts {
		h := fnv.New32a()
		h.Write([]byte(term))
		f := float32(tf)
		weights[h.Sum32()] += f * (bm25K1 + 1) / (f + bm25K1)
	}

	indices := make([]uint32, 0, len(weights))
	for idx := range weights {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = weights[idx]
	}

	return &vectorstore.SparseVector{Indices: indices, Values: values}, nil
}

// EncodeSparseBatch encodes multiple texts, preserving input order.
func (e *LexicalSparseEncoder) EncodeSparseBatch(ctx context.Context, texts []string) ([]*vectorstore.SparseVector, error) {
	vectors := make([]*vectorstore.SparseVector, len(texts))
	for i, text := range texts {
		v, err := e.EncodeSparse(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// termCounts tokenizes text into lowercase terms and counts occurrences.
// Very short tokens carry little lexical signal and are skipped.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 {
			counts[word]++
		}
	}
	return counts
}

// Ensure LexicalSparseEncoder implements SparseEncoder interface.
var _ SparseEncoder = (*LexicalSparseEncoder)(nil)
