package reranker

import (
	"context"
	"testing"
)

func TestLexicalReranker_PrefersTermOverlap(t *testing.T) {
	r := NewLexicalReranker()

	input := candidates(
		"our office hours are nine to five",
		"refund requests are processed within thirty days",
		"the refund policy covers enterprise customers",
	)

	got, err := r.Rerank(context.Background(), "refund policy", input, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got[0].Payload.ChunkText != "the refund policy covers enterprise customers" {
		t.Errorf("expected chunk with both query terms first, got %q", got[0].Payload.ChunkText)
	}
	if got[2].Payload.ChunkText != "our office hours are nine to five" {
		t.Errorf("expected chunk with no query terms last, got %q", got[2].Payload.ChunkText)
	}
}

func TestLexicalReranker_TiesKeepCoarseOrder(t *testing.T) {
	r := NewLexicalReranker()

	// Neither chunk shares a term with the query, so both score zero and the
	// original ordering must hold.
	input := candidates("alpha beta gamma", "delta epsilon zeta")

	got, err := r.Rerank(context.Background(), "unrelated query", input, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].Payload.ChunkText != input[0].Payload.ChunkText {
		t.Errorf("expected stable tie-break, got %q first", got[0].Payload.ChunkText)
	}
}

func TestLexicalReranker_TruncatesToTopK(t *testing.T) {
	r := NewLexicalReranker()

	got, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c", "d"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 results, got %d", len(got))
	}
}

func TestLexicalReranker_EmptyCandidates(t *testing.T) {
	r := NewLexicalReranker()

	got, err := r.Rerank(context.Background(), "query", nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}

func TestOverlapScore(t *testing.T) {
	tests := []struct {
		name  string
		query string
		chunk string
		want  float32
	}{
		{"full overlap", "refund policy", "refund policy details", 1.0},
		{"half overlap", "refund policy", "the refund process", 0.5},
		{"no overlap", "refund policy", "office hours", 0.0},
		{"empty query", "", "anything here", 0.0},
		{"case insensitive", "Refund", "REFUND granted", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := overlapScore(termSet(tt.query), termSet(tt.chunk))
			if got != tt.want {
				t.Errorf("overlapScore(%q, %q) = %f, expected %f", tt.query, tt.chunk, got, tt.want)
			}
		})
	}
}
