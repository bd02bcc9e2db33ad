// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors used to classify index failures. Everything else coming out
// of a Store is treated as transient and propagated to the caller.
var (
	// ErrCollectionNotFound indicates the target collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrUnavailable indicates the vector index could not be reached.
	ErrUnavailable = errors.New("vector index unavailable")
)

// SparseVector represents a sparse vector as parallel index/value arrays.
// Indices are unique within a vector; values are non-negative weights.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Payload is the metadata stored alongside every point.
type Payload struct {
	DocumentID    string
	DocumentName  string
	ChunkText     string
	ChunkPosition int
	Metadata      map[string]string
}

// Point is a stored chunk: a dense vector, an optional sparse vector and payload.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  *SparseVector // nil for dense-only points
	Payload Payload
}

// SearchResult represents a single search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload Payload
}

// SearchParams bundles the optional knobs of a similarity query.
type SearchParams struct {
	Limit int
	// DocumentID, when non-empty, restricts results to points whose payload
	// references that document (exact match).
	DocumentID string
}

// HybridResult is the outcome of a hybrid query. Degraded is set when the
// query silently fell back to dense-only search, with the reason recorded so
// callers and telemetry can tell a clean hybrid hit from a fallback.
type HybridResult struct {
	Results        []SearchResult
	Degraded       bool
	DegradedReason string
}

// CollectionInfo describes a collection's current state.
type CollectionInfo struct {
	Name       string
	PointCount uint64
	Dimension  int
	HasSparse  bool
	Status     string
}

// Store defines the operations the retrieval core needs from a vector index.
type Store interface {
	// CreateCollection provisions a collection with the store's configured
	// dimensionality and, optionally, a sparse vector slot. It is idempotent:
	// creating an existing collection is a no-op.
	CreateCollection(ctx context.Context, name string, withSparse bool) error

	// DeleteCollection removes a collection and all of its points.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether a collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// HasSparseVectors reports whether a collection was provisioned with a
	// sparse vector slot. It returns false, not an error, for missing collections.
	HasSparseVectors(ctx context.Context, name string) (bool, error)

	// CollectionInfo returns point count, dimensionality and status.
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, name string, points []Point) error

	// Search performs dense similarity search, ordered by descending score.
	Search(ctx context.Context, name string, dense []float32, params SearchParams) ([]SearchResult, error)

	// HybridSearch fuses dense and sparse candidate lists with reciprocal rank
	// fusion. It degrades to plain dense search when the collection has no
	// sparse slot or no sparse query vector is supplied.
	HybridSearch(ctx context.Context, name string, dense []float32, sparse *SparseVector, params SearchParams) (*HybridResult, error)

	// DeleteByDocumentID removes all points belonging to a document.
	DeleteByDocumentID(ctx context.Context, name string, documentID string) error

	// DocumentChunks scans (not ranks) a document's points and returns them
	// sorted ascending by chunk position.
	DocumentChunks(ctx context.Context, name string, documentID string, limit int) ([]SearchResult, error)

	// Scroll pages through a collection's points with vectors and payloads.
	// Pass an empty offset to start; an empty next offset means exhaustion.
	Scroll(ctx context.Context, name string, offset string, limit int) (points []Point, nextOffset string, err error)
}
