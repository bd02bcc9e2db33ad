// Package embedder provides dense and sparse text embedding for retrieval.
package embedder

import (
	"context"
	"errors"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// ErrUnavailable indicates the embedding backend could not be reached. The
// caller sees a failed call rather than a zero vector, which would silently
// corrupt similarity scores.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Embedder defines the interface for dense text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// SparseEncoder converts text into sparse lexical vectors for hybrid search.
type SparseEncoder interface {
	// EncodeSparse produces a sparse vector with unique indices and
	// non-negative weights. Indices need not be contiguous.
	EncodeSparse(ctx context.Context, text string) (*vectorstore.SparseVector, error)

	// EncodeSparseBatch is the order-preserving batch variant.
	EncodeSparseBatch(ctx context.Context, texts []string) ([]*vectorstore.SparseVector, error)
}
