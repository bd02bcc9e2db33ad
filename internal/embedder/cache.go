package embedder

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

const (
	// DefaultCacheTTL bounds how long a cached embedding may be served.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxEntries caps the number of cached texts.
	DefaultCacheMaxEntries = 1024
)

// CacheConfig holds configuration shared by the embedding caches.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}
	return c
}

// CachedEmbedder wraps an Embedder with a TTL- and size-bounded cache keyed on
// exact text. The cache is best effort: a miss recomputes, a backend error
// propagates and is never cached, and concurrent lookups are safe.
type CachedEmbedder struct {
	inner Embedder
	cache *expirable.LRU[string, []float32]
}

// NewCachedEmbedder wraps an embedder with a short-lived cache.
func NewCachedEmbedder(inner Embedder, cfg CacheConfig) *CachedEmbedder {
	cfg = cfg.withDefaults()
	return &CachedEmbedder{
		inner: inner,
		cache: expirable.NewLRU[string, []float32](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Embed returns the cached vector for the exact text, or computes and caches it.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Add(text, vec)
	return vec, nil
}

// EmbedBatch serves cache hits and embeds only the misses in a single backend
// call, zipping results back in input order.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(text); ok {
			results[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embedded, err := e.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range embedded {
			results[missIdx[j]] = vec
			e.cache.Add(missTexts[j], vec)
		}
	}

	return results, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

// ModelName returns the name of the underlying embedding model.
func (e *CachedEmbedder) ModelName() string {
	return e.inner.ModelName()
}

// CachedSparseEncoder wraps a SparseEncoder with its own cache, kept in a
// namespace separate from the dense cache.
type CachedSparseEncoder struct {
	inner SparseEncoder
	cache *expirable.LRU[string, *vectorstore.SparseVector]
}

// NewCachedSparseEncoder wraps a sparse encoder with a short-lived cache.
func NewCachedSparseEncoder(inner SparseEncoder, cfg CacheConfig) *CachedSparseEncoder {
	cfg = cfg.withDefaults()
	return &CachedSparseEncoder{
		inner: inner,
		cache: expirable.NewLRU[string, *vectorstore.SparseVector](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// EncodeSparse returns the cached sparse vector, or computes and caches it.
func (e *CachedSparseEncoder) EncodeSparse(ctx context.Context, text string) (*vectorstore.SparseVector, error) {
	if vec, ok := e.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := e.inner.EncodeSparse(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Add(text, vec)
	return vec, nil
}

// EncodeSparseBatch serves cache hits and encodes only the misses, zipping
// results back in input order.
func (e *CachedSparseEncoder) EncodeSparseBatch(ctx context.Context, texts []string) ([]*vectorstore.SparseVector, error) {
	results := make([]*vectorstore.SparseVector, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(text); ok {
			results[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		encoded, err := e.inner.EncodeSparseBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range encoded {
			results[missIdx[j]] = vec
			e.cache.Add(missTexts[j], vec)
		}
	}

	return results, nil
}

// Ensure cache wrappers implement their interfaces.
var (
	_ Embedder      = (*CachedEmbedder)(nil)
	_ SparseEncoder = (*CachedSparseEncoder)(nil)
)
