package vectorstore

import (
	"math"
	"testing"
)

func results(ids ...string) []SearchResult {
	out := make([]SearchResult, len(ids))
	for i, id := range ids {
		out[i] = SearchResult{ID: id, Score: 1.0 - float32(i)*0.1}
	}
	return out
}

func ids(rs []SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestFuseRRF_TwoLists(t *testing.T) {
	dense := results("A", "B", "C")
	sparse := results("B", "A", "D")

	fused := fuseRRF(1, dense, sparse)

	// With k=1: A = 1/2 + 1/3, B = 1/3 + 1/2, C = 1/4, D = 1/4.
	// A/B tie resolves to A (earlier dense appearance), C/D tie to C.
	want := []string{"A", "B", "C", "D"}
	got := ids(fused)
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s (full order %v)", i, want[i], got[i], got)
		}
	}

	wantScore := float32(1.0/2.0 + 1.0/3.0)
	if math.Abs(float64(fused[0].Score-wantScore)) > 1e-6 {
		t.Errorf("expected fused score %f for A, got %f", wantScore, fused[0].Score)
	}
}

func TestFuseRRF_SparseOutranks(t *testing.T) {
	dense := results("A", "B", "C")
	sparse := results("B", "D", "A")

	fused := fuseRRF(1, dense, sparse)

	// D at sparse rank 2 scores 1/3 and beats C's 1/4.
	want := []string{"A", "B", "D", "C"}
	got := ids(fused)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestFuseRRF_TieBreakFavorsDense(t *testing.T) {
	// Identical single-entry lists: X and Y tie exactly; X came from the
	// dense list and must sort first.
	dense := results("X")
	sparse := results("Y")

	fused := fuseRRF(60, dense, sparse)

	if len(fused) != 2 {
		t.Fatalf("expected 2 results, got %d", len(fused))
	}
	if fused[0].ID != "X" || fused[1].ID != "Y" {
		t.Errorf("expected tie to favor dense list, got %v", ids(fused))
	}
	if fused[0].Score != fused[1].Score {
		t.Errorf("expected equal scores, got %f and %f", fused[0].Score, fused[1].Score)
	}
}

func TestFuseRRF_DescendingScores(t *testing.T) {
	dense := results("A", "B", "C", "D")
	sparse := results("C", "E", "A")

	fused := fuseRRF(60, dense, sparse)

	for i := 1; i < len(fused); i++ {
		if fused[i].Score > fused[i-1].Score {
			t.Errorf("scores not descending at position %d: %f > %f", i, fused[i].Score, fused[i-1].Score)
		}
	}
}

func TestFuseRRF_SingleList(t *testing.T) {
	dense := results("A", "B", "C")

	fused := fuseRRF(60, dense)

	got := ids(fused)
	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order preserved %v, got %v", want, got)
		}
	}
}

func TestFuseRRF_EmptyLists(t *testing.T) {
	fused := fuseRRF(60, nil, nil)
	if len(fused) != 0 {
		t.Errorf("expected no results for empty input, got %v", ids(fused))
	}
}

func TestFuseRRF_PreservesPayload(t *testing.T) {
	dense := []SearchResult{{
		ID:    "A",
		Score: 0.9,
		Payload: Payload{
			DocumentID:    "doc-1",
			DocumentName:  "handbook.pdf",
			ChunkText:     "refunds are honored within 30 days",
			ChunkPosition: 2,
		},
	}}

	fused := fuseRRF(60, dense)

	if fused[0].Payload.DocumentName != "handbook.pdf" {
		t.Errorf("payload lost in fusion: %+v", fused[0].Payload)
	}
	if fused[0].Payload.ChunkPosition != 2 {
		t.Errorf("chunk position lost in fusion: %d", fused[0].Payload.ChunkPosition)
	}
}
