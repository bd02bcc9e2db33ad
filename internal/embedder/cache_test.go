package embedder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// countingEmbedder records how many texts reached the backend.
type countingEmbedder struct {
	singleCalls int
	batchCalls  int
	batchTexts  []string
	err         error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.singleCalls++
	if c.err != nil {
		return nil, c.err
	}
	return vectorFor(text), nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.batchCalls++
	c.batchTexts = append([]string(nil), texts...)
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = vectorFor(text)
	}
	return out, nil
}

func (c *countingEmbedder) Dimension() int    { return 4 }
func (c *countingEmbedder) ModelName() string { return "counting" }

// vectorFor derives a distinguishable vector from the text length.
func vectorFor(text string) []float32 {
	return []float32{float32(len(text)), 0, 0, 0}
}

type countingSparse struct {
	calls int
	err   error
}

func (c *countingSparse) EncodeSparse(_ context.Context, text string) (*vectorstore.SparseVector, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &vectorstore.SparseVector{Indices: []uint32{uint32(len(text))}, Values: []float32{1}}, nil
}

func (c *countingSparse) EncodeSparseBatch(ctx context.Context, texts []string) ([]*vectorstore.SparseVector, error) {
	out := make([]*vectorstore.SparseVector, len(texts))
	for i, text := range texts {
		v, err := c.EncodeSparse(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestCachedEmbedder_HitSkipsBackend(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{})
	ctx := context.Background()

	first, err := cached.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cached.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if backend.singleCalls != 1 {
		t.Errorf("expected 1 backend call, got %d", backend.singleCalls)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Errorf("cached vector differs from original: %v vs %v", first, second)
	}
}

func TestCachedEmbedder_DistinctTextsMiss(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{})
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.Embed(ctx, "two"); err != nil {
		t.Fatal(err)
	}

	if backend.singleCalls != 2 {
		t.Errorf("expected 2 backend calls for distinct texts, got %d", backend.singleCalls)
	}
}

func TestCachedEmbedder_ErrorsNotCached(t *testing.T) {
	backend := &countingEmbedder{err: errors.New("backend down")}
	cached := NewCachedEmbedder(backend, CacheConfig{})
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "text"); err == nil {
		t.Fatal("expected error from failing backend")
	}

	// Backend recovers; the failure must not have been cached.
	backend.err = nil
	vec, err := cached.Embed(ctx, "text")
	if err != nil {
		t.Fatalf("expected success after recovery, got %v", err)
	}
	if vec == nil {
		t.Fatal("expected a vector after recovery")
	}
	if backend.singleCalls != 2 {
		t.Errorf("expected 2 backend calls, got %d", backend.singleCalls)
	}
}

func TestCachedEmbedder_BatchOnlyEmbedsMisses(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{})
	ctx := context.Background()

	// Warm the cache with one of three texts.
	if _, err := cached.Embed(ctx, "bb"); err != nil {
		t.Fatal(err)
	}

	got, err := cached.EmbedBatch(ctx, []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if backend.batchCalls != 1 {
		t.Fatalf("expected 1 batch call, got %d", backend.batchCalls)
	}
	if len(backend.batchTexts) != 2 || backend.batchTexts[0] != "a" || backend.batchTexts[1] != "ccc" {
		t.Errorf("expected only misses to reach backend, got %v", backend.batchTexts)
	}

	// Results must line up with the input order regardless of hit/miss mix.
	for i, text := range []string{"a", "bb", "ccc"} {
		if got[i][0] != float32(len(text)) {
			t.Errorf("position %d: expected vector for %q, got %v", i, text, got[i])
		}
	}
}

func TestCachedEmbedder_BatchAllHits(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{})
	ctx := context.Background()

	texts := []string{"x", "yy"}
	if _, err := cached.EmbedBatch(ctx, texts); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.EmbedBatch(ctx, texts); err != nil {
		t.Fatal(err)
	}

	if backend.batchCalls != 1 {
		t.Errorf("expected second batch to be served from cache, got %d backend calls", backend.batchCalls)
	}
}

func TestCachedEmbedder_TTLExpiry(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "ephemeral"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := cached.Embed(ctx, "ephemeral"); err != nil {
		t.Fatal(err)
	}

	if backend.singleCalls != 2 {
		t.Errorf("expected expired entry to trigger a second backend call, got %d", backend.singleCalls)
	}
}

func TestCachedEmbedder_PassesThroughMetadata(t *testing.T) {
	cached := NewCachedEmbedder(&countingEmbedder{}, CacheConfig{})

	if cached.Dimension() != 4 {
		t.Errorf("expected dimension 4, got %d", cached.Dimension())
	}
	if cached.ModelName() != "counting" {
		t.Errorf("expected model name 'counting', got %q", cached.ModelName())
	}
}

func TestCachedSparseEncoder_HitSkipsBackend(t *testing.T) {
	backend := &countingSparse{}
	cached := NewCachedSparseEncoder(backend, CacheConfig{})
	ctx := context.Background()

	if _, err := cached.EncodeSparse(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.EncodeSparse(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	if backend.calls != 1 {
		t.Errorf("expected 1 backend call, got %d", backend.calls)
	}
}

func TestCachedSparseEncoder_ErrorsNotCached(t *testing.T) {
	backend := &countingSparse{err: errors.New("down")}
	cached := NewCachedSparseEncoder(backend, CacheConfig{})
	ctx := context.Background()

	if _, err := cached.EncodeSparse(ctx, "text"); err == nil {
		t.Fatal("expected error")
	}

	backend.err = nil
	if _, err := cached.EncodeSparse(ctx, "text"); err != nil {
		t.Fatalf("expected success after recovery, got %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("expected 2 backend calls, got %d", backend.calls)
	}
}

func TestCachedSparseEncoder_BatchOrder(t *testing.T) {
	backend := &countingSparse{}
	cached := NewCachedSparseEncoder(backend, CacheConfig{})
	ctx := context.Background()

	// Warm one entry, then batch over a mix of hits and misses.
	if _, err := cached.EncodeSparse(ctx, "bb"); err != nil {
		t.Fatal(err)
	}

	texts := []string{"a", "bb", "cccc"}
	got, err := cached.EncodeSparseBatch(ctx, texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, text := range texts {
		if got[i] == nil || len(got[i].Indices) != 1 || got[i].Indices[0] != uint32(len(text)) {
			t.Errorf("position %d: wrong vector for %q: %+v", i, text, got[i])
		}
	}
}

func TestCaches_SeparateNamespaces(t *testing.T) {
	// The same text cached densely must not satisfy a sparse lookup.
	denseBackend := &countingEmbedder{}
	sparseBackend := &countingSparse{}
	dense := NewCachedEmbedder(denseBackend, CacheConfig{})
	sparse := NewCachedSparseEncoder(sparseBackend, CacheConfig{})
	ctx := context.Background()

	text := "shared query text"
	if _, err := dense.Embed(ctx, text); err != nil {
		t.Fatal(err)
	}
	if _, err := sparse.EncodeSparse(ctx, text); err != nil {
		t.Fatal(err)
	}

	if sparseBackend.calls != 1 {
		t.Errorf("expected sparse backend to be called despite dense cache entry, got %d calls", sparseBackend.calls)
	}
}

func TestCachedEmbedder_EvictionKeepsServing(t *testing.T) {
	backend := &countingEmbedder{}
	cached := NewCachedEmbedder(backend, CacheConfig{MaxEntries: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("text-%d", i)
		vec, err := cached.Embed(ctx, text)
		if err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
		if vec[0] != float32(len(text)) {
			t.Errorf("wrong vector for %q after evictions: %v", text, vec)
		}
	}
}
