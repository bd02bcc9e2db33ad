// Package retrieval implements the query-side retrieval pipeline: embedding,
// vector search with optional hybrid fusion, score filtering, optional
// reranking and read-model conversion.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarryhq/quarry/internal/embedder"
	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/reranker"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

// ErrDimensionMismatch indicates the configured embedding model and an
// existing collection disagree on vector dimensionality. This is a
// configuration fault and is checked at startup, never at query time.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// FormattedEmpty is returned by RetrieveFormatted when nothing matched.
const FormattedEmpty = "No relevant information found in the knowledge base."

// Latency breakdown stage names.
const (
	StageEmbedding       = "embedding"
	StageSparseEmbedding = "sparse-embedding"
	StageSearch          = "search"
	StageRerank          = "rerank"
	StageTotal           = "total"
)

// Defaults holds the fallback values applied when Options leave a knob unset.
type Defaults struct {
	// Limit is the result count when Options.Limit is zero.
	Limit int

	// MinScore is the score threshold when Options.MinScore is nil.
	MinScore float32

	// RerankFactor is the over-fetch multiplier applied to the search limit
	// when reranking is enabled.
	RerankFactor int
}

// Options control a single Retrieve call.
type Options struct {
	// Limit is the maximum number of chunks to return (0 = service default).
	Limit int

	// MinScore discards candidates scoring below it. Nil means the service
	// default; an explicit zero still filters out negative-score candidates.
	MinScore *float32

	// Rerank enables the reranking stage.
	Rerank bool

	// Hybrid enables fused dense+sparse search.
	Hybrid bool

	// IncludeLatency attaches a per-stage latency breakdown to the result.
	IncludeLatency bool
}

// RetrievedChunk is the read model handed to callers, most relevant first.
// Score scale depends on the search mode (cosine similarity, fused rank or
// rerank score) and is never comparable across modes.
type RetrievedChunk struct {
	DocumentID    string  `json:"document_id"`
	DocumentName  string  `json:"document_name"`
	ChunkText     string  `json:"chunk_text"`
	ChunkPosition int     `json:"chunk_position"`
	Score         float32 `json:"score"`
}

// Result is the outcome of one Retrieve call.
type Result struct {
	Chunks []RetrievedChunk `json:"chunks"`

	// Degraded reports that some stage fell back (hybrid to dense, rerank
	// skipped) rather than failing the request.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	// Latency maps stage name to milliseconds. Only populated when requested.
	// The total is measured independently and may exceed the stage sum.
	Latency map[string]float64 `json:"latency_ms,omitempty"`
}

// Service drives the retrieval pipeline. All collaborators are injected; the
// zero value is not usable.
type Service struct {
	store    vectorstore.Store
	embedder embedder.Embedder
	sparse   embedder.SparseEncoder // optional: enables hybrid search
	reranker reranker.Reranker      // optional: enables reranking
	metrics  *metrics.Metrics       // optional
	logger   *slog.Logger
	defaults Defaults
}

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithSparseEncoder enables hybrid search with the given sparse encoder.
func WithSparseEncoder(enc embedder.SparseEncoder) Option {
	return func(s *Service) {
		s.sparse = enc
	}
}

// WithReranker enables the reranking stage.
func WithReranker(r reranker.Reranker) Option {
	return func(s *Service) {
		s.reranker = r
	}
}

// WithMetrics attaches latency histograms.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaults overrides the built-in option defaults.
func WithDefaults(d Defaults) Option {
	return func(s *Service) {
		s.defaults = d
	}
}

// New creates a retrieval service around a vector store and a dense embedder.
func New(store vectorstore.Store, embed embedder.Embedder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embed,
		logger:   slog.Default(),
		defaults: Defaults{Limit: 5, MinScore: 0, RerankFactor: 4},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.defaults.Limit <= 0 {
		s.defaults.Limit = 5
	}
	if s.defaults.RerankFactor < 1 {
		s.defaults.RerankFactor = 4
	}

	return s
}

// VerifyCollection fails fast when an existing collection's dimensionality
// does not match the embedding model. Call at startup; a missing collection
// is fine (it will be created by ingestion with the right dimension).
func (s *Service) VerifyCollection(ctx context.Context, name string) error {
	exists, err := s.store.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", name, err)
	}
	if !exists {
		return nil
	}

	info, err := s.store.CollectionInfo(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect collection %q: %w", name, err)
	}

	if info.Dimension != 0 && info.Dimension != s.embedder.Dimension() {
		return fmt.Errorf("%w: collection %q stores %d-dimensional vectors, model %q produces %d",
			ErrDimensionMismatch, name, info.Dimension, s.embedder.ModelName(), s.embedder.Dimension())
	}

	return nil
}

// Retrieve runs the full pipeline for a query against a collection. A missing
// collection yields an empty result, not an error, so querying an
// uninitialized knowledge base degrades gracefully.
func (s *Service) Retrieve(ctx context.Context, query, collection string, opts Options) (*Result, error) {
	start := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaults.Limit
	}
	minScore := s.defaults.MinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}

	stages := make(map[string]float64)
	result := &Result{Chunks: []RetrievedChunk{}}

	exists, err := s.store.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %q: %w", collection, err)
	}
	if !exists {
		s.logger.Debug("collection does not exist, returning empty result", "collection", collection)
		s.finish(result, stages, start, opts.IncludeLatency)
		return result, nil
	}

	// Dense query embedding, always.
	embedStart := time.Now()
	dense, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	s.observe(stageEmbedding, time.Since(embedStart))
	stages[StageEmbedding] = msSince(embedStart)

	// Sparse query embedding, only in hybrid mode.
	var sparse *vectorstore.SparseVector
	useHybrid := opts.Hybrid && s.sparse != nil
	if opts.Hybrid && s.sparse == nil {
		result.Degraded = true
		result.DegradedReason = "no sparse encoder configured"
		s.logger.Warn("hybrid retrieval requested without a sparse encoder, using dense search")
	}
	if useHybrid {
		sparseStart := time.Now()
		sparse, err = s.sparse.EncodeSparse(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to sparse-encode query: %w", err)
		}
		s.observe(stageSparseEmbedding, time.Since(sparseStart))
		stages[StageSparseEmbedding] = msSince(sparseStart)
	}

	// Over-fetch when a rerank stage will discard candidates.
	useRerank := opts.Rerank && s.reranker != nil
	if opts.Rerank && s.reranker == nil {
		s.logger.Warn("reranking requested but no reranker configured, skipping")
	}
	fanout := limit
	if useRerank {
		fanout = limit * s.defaults.RerankFactor
	}

	searchStart := time.Now()
	var candidates []vectorstore.SearchResult
	if useHybrid {
		outcome, err := s.store.HybridSearch(ctx, collection, dense, sparse, vectorstore.SearchParams{Limit: fanout})
		if err != nil {
			return nil, fmt.Errorf("hybrid search failed: %w", err)
		}
		candidates = outcome.Results
		if outcome.Degraded {
			result.Degraded = true
			result.DegradedReason = outcome.DegradedReason
		}
	} else {
		candidates, err = s.store.Search(ctx, collection, dense, vectorstore.SearchParams{Limit: fanout})
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
	}
	s.observe(stageSearch, time.Since(searchStart))
	stages[StageSearch] = msSince(searchStart)

	candidates = filterByScore(candidates, minScore)

	if useRerank && len(candidates) > 0 {
		rerankStart := time.Now()
		scored, err := s.reranker.Rerank(ctx, query, candidates, limit)
		if err != nil {
			// Reranking is an enhancement: fall back to the coarse
			// ordering instead of failing the request.
			s.logger.Warn("reranking failed, returning unreranked results", "error", err)
			result.Degraded = true
			result.DegradedReason = "reranker unavailable"
			scored = reranker.Passthrough(candidates, limit)
		}
		s.observe(stageRerank, time.Since(rerankStart))
		stages[StageRerank] = msSince(rerankStart)

		result.Chunks = chunksFromScored(scored)
	} else {
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		result.Chunks = chunksFromResults(candidates)
	}

	s.finish(result, stages, start, opts.IncludeLatency)
	return result, nil
}

// RetrieveFormatted retrieves chunks and formats them as a single context
// string for a language model: each chunk prefixed with a source label, in
// ranked order, separated by a visual delimiter.
func (s *Service) RetrieveFormatted(ctx context.Context, query, collection string, limit int) (string, error) {
	result, err := s.Retrieve(ctx, query, collection, Options{Limit: limit})
	if err != nil {
		return "", err
	}

	return FormatChunks(result.Chunks), nil
}

// FormatChunks renders retrieved chunks into the context-blob format consumed
// by downstream language models. The labeling and ordering are a contract:
// this string is the only thing the model ever sees.
func FormatChunks(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return FormattedEmpty
	}

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = fmt.Sprintf("[Source %d: %s]\n%s", i+1, chunk.DocumentName, chunk.ChunkText)
	}

	out := parts[0]
	for _, part := range parts[1:] {
		out += "\n\n---\n\n" + part
	}
	return out
}

type stage int

const (
	stageEmbedding stage = iota
	stageSparseEmbedding
	stageSearch
	stageRerank
	stageTotal
)

func (s *Service) observe(st stage, d time.Duration) {
	if s.metrics == nil {
		return
	}
	switch st {
	case stageEmbedding:
		s.metrics.Embedding.Observe(d.Seconds())
	case stageSparseEmbedding:
		s.metrics.SparseEmbedding.Observe(d.Seconds())
	case stageSearch:
		s.metrics.Search.Observe(d.Seconds())
	case stageRerank:
		s.metrics.Rerank.Observe(d.Seconds())
	case stageTotal:
		s.metrics.Retrieval.Observe(d.Seconds())
	}
}

func (s *Service) finish(result *Result, stages map[string]float64, start time.Time, includeLatency bool) {
	total := time.Since(start)
	s.observe(stageTotal, total)
	if includeLatency {
		stages[StageTotal] = float64(total.Microseconds()) / 1000.0
		result.Latency = stages
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func filterByScore(candidates []vectorstore.SearchResult, minScore float32) []vectorstore.SearchResult {
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= minScore {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func chunksFromResults(results []vectorstore.SearchResult) []RetrievedChunk {
	chunks := make([]RetrievedChunk, len(results))
	for i, r := range results {
		chunks[i] = RetrievedChunk{
			DocumentID:    r.Payload.DocumentID,
			DocumentName:  r.Payload.DocumentName,
			ChunkText:     r.Payload.ChunkText,
			ChunkPosition: r.Payload.ChunkPosition,
			Score:         r.Score,
		}
	}
	return chunks
}

func chunksFromScored(results []reranker.ScoredResult) []RetrievedChunk {
	chunks := make([]RetrievedChunk, len(results))
	for i, r := range results {
		chunks[i] = RetrievedChunk{
			DocumentID:    r.Payload.DocumentID,
			DocumentName:  r.Payload.DocumentName,
			ChunkText:     r.Payload.ChunkText,
			ChunkPosition: r.Payload.ChunkPosition,
			Score:         r.RerankScore,
		}
	}
	return chunks
}
