package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

// maxChunkChars bounds how much of each chunk is shown to the scoring model.
const maxChunkChars = 500

// LLMReranker scores query-chunk pairs with an LLM, cross-encoder style: the
// model sees query and chunk together, which separates near-duplicates that
// vector similarity ranks identically.
type LLMReranker struct {
	client llm.LLM
	model  string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(client llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		client: client,
		model:  llm.DefaultModel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// relevanceScore is one entry of the model's structured output.
type relevanceScore struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores each candidate's relevance to the query and returns the topK
// highest, sorted descending. An unparseable model response falls back to the
// input ordering; a transport error is returned for the caller to degrade on.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.SearchResult, topK int) ([]ScoredResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}

	prompt := r.buildPrompt(query, candidates)

	response, err := r.client.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // deterministic scoring
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank generation failed: %w", err)
	}

	scores, err := parseScores(response, len(candidates))
	if err != nil {
		// The model answered but not in the expected shape; keep the
		// coarse ordering rather than failing the retrieval.
		return Passthrough(candidates, topK), nil
	}

	scored := make([]ScoredResult, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredResult{SearchResult: c, RerankScore: scores[i]}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	return scored[:topK], nil
}

// buildPrompt constructs the pairwise scoring prompt.
func (r *LLMReranker) buildPrompt(query string, candidates []vectorstore.SearchResult) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each chunk's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nChunks to score:\n")

	for i, c := range candidates {
		text := c.Payload.ChunkText
		if len(text) > maxChunkChars {
			text = text[:maxChunkChars] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Chunk %d]: %s\n\n", i, text))
	}

	sb.WriteString(`Score each chunk from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"chunk_index": 0, "score": 0.9}, {"chunk_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant chunks should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScores extracts per-candidate scores from the model response, tolerating
// markdown code fences and clamping scores to [0, 1]. Candidates the model
// skipped keep a neutral 0.5.
func parseScores(response string, numCandidates int) ([]float32, error) {
	response = stripCodeFence(strings.TrimSpace(response))

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, numCandidates)
	for i := range scores {
		scores[i] = 0.5
	}

	for _, s := range parsed.Scores {
		if s.ChunkIndex < 0 || s.ChunkIndex >= numCandidates {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.ChunkIndex] = score
	}

	return scores, nil
}

// stripCodeFence unwraps a ```json ... ``` or ``` ... ``` block if present.
func stripCodeFence(s string) string {
	if idx := strings.Index(s, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	} else if idx := strings.Index(s, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	return s
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
