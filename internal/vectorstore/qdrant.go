package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Vector slot names for collections with sparse support
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	// Payload field names (shared with ingestion, pinned)
	fieldDocumentID    = "document_id"
	fieldDocumentName  = "document_name"
	fieldChunkText     = "chunk_text"
	fieldChunkPosition = "chunk_position"
)

// QdrantConfig holds configuration for the Qdrant store.
type QdrantConfig struct {
	// URL in "host:port" format pointing at the Qdrant gRPC port.
	URL string

	// Dimension is the dense vector size every collection is provisioned with.
	Dimension int

	// PrefetchFactor over-fetches each hybrid leg by this multiple of the
	// requested limit before fusion (default 2).
	PrefetchFactor int

	// RRFK is the reciprocal rank fusion constant (default 60).
	RRFK int

	Logger *slog.Logger
}

// QdrantStore implements Store using Qdrant.
//
// Collections without sparse support use Qdrant's default unnamed vector;
// collections with sparse support use the named "dense" and "sparse" slots.
type QdrantStore struct {
	client         *qdrant.Client
	dimension      int
	prefetchFactor int
	rrfK           int
	logger         *slog.Logger

	// sparseKnown caches positive sparse-support answers. Sparse support is
	// only ever added by a full rebuild under the same name, and a stale
	// false would just cost a config lookup, so only true is cached.
	mu          sync.RWMutex
	sparseKnown map[string]bool
}

// NewQdrantStore creates a new Qdrant vector store client.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.URL)
	if err != nil {
		// If no port specified, assume default
		host = cfg.URL
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant store requires a positive dimension, got %d", cfg.Dimension)
	}

	prefetch := cfg.PrefetchFactor
	if prefetch < 1 {
		prefetch = 2
	}
	rrfK := cfg.RRFK
	if rrfK < 1 {
		rrfK = 60
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &QdrantStore{
		client:         client,
		dimension:      cfg.Dimension,
		prefetchFactor: prefetch,
		rrfK:           rrfK,
		logger:         logger,
		sparseKnown:    make(map[string]bool),
	}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Dimension returns the dense vector size collections are provisioned with.
func (s *QdrantStore) Dimension() int {
	return s.dimension
}

// CreateCollection provisions a collection. No-op if it already exists.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, withSparse bool) error {
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	req := &qdrant.CreateCollection{
		CollectionName: name,
	}

	if withSparse {
		req.VectorsConfig = qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		})
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {}, // default sparse index config
		})
	} else {
		req.VectorsConfig = qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		})
	}

	if err := s.client.CreateCollection(ctx, req); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, classify(err))
	}

	if withSparse {
		s.mu.Lock()
		s.sparseKnown[name] = true
		s.mu.Unlock()
	}

	return nil
}

// DeleteCollection deletes a collection and all of its points.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", name, classify(err))
	}

	s.mu.Lock()
	delete(s.sparseKnown, name)
	s.mu.Unlock()

	return nil
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", classify(err))
	}
	return exists, nil
}

// ListCollections returns the names of all collections.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", classify(err))
	}
	return names, nil
}

// HasSparseVectors reports whether a collection has a sparse vector slot.
// Missing collections yield false, not an error.
func (s *QdrantStore) HasSparseVectors(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	known := s.sparseKnown[name]
	s.mu.RUnlock()
	if known {
		return true, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get collection info: %w", classify(err))
	}

	has := len(info.GetConfig().GetParams().GetSparseVectorsConfig().GetMap()) > 0
	if has {
		s.mu.Lock()
		s.sparseKnown[name] = true
		s.mu.Unlock()
	}
	return has, nil
}

// CollectionInfo returns point count, dimensionality and status.
func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info for %q: %w", name, classify(err))
	}

	params := info.GetConfig().GetParams()
	hasSparse := len(params.GetSparseVectorsConfig().GetMap()) > 0

	dimension := 0
	if vc := params.GetVectorsConfig(); vc != nil {
		if p := vc.GetParams(); p != nil {
			dimension = int(p.GetSize())
		} else if m := vc.GetParamsMap(); m != nil {
			if dense, ok := m.GetMap()[denseVectorName]; ok {
				dimension = int(dense.GetSize())
			}
		}
	}

	return &CollectionInfo{
		Name:       name,
		PointCount: info.GetPointsCount(),
		Dimension:  dimension,
		HasSparse:  hasSparse,
		Status:     info.GetStatus().String(),
	}, nil
}

// Upsert inserts or replaces points by ID. On collections with sparse support
// dense-only points are written into the named dense slot, so pre-migration
// points remain valid alongside hybrid ones.
func (s *QdrantStore) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	hybrid, err := s.HasSparseVectors(ctx, name)
	if err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if len(p.Dense) != s.dimension {
			return fmt.Errorf("point %q has dense vector of length %d, collection expects %d", p.ID, len(p.Dense), s.dimension)
		}

		point := &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Payload: encodePayload(p.Payload),
		}

		switch {
		case hybrid && p.Sparse != nil:
			point.Vectors = namedVectors(p.Dense, p.Sparse)
		case hybrid:
			point.Vectors = namedVectors(p.Dense, nil)
		default:
			point.Vectors = qdrant.NewVectors(p.Dense...)
		}

		qdrantPoints[i] = point
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points into %q: %w", name, classify(err))
	}

	return nil
}

// Search performs dense similarity search ordered by descending cosine score.
func (s *QdrantStore) Search(ctx context.Context, name string, dense []float32, params SearchParams) ([]SearchResult, error) {
	hybrid, err := s.HasSparseVectors(ctx, name)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryDense(dense),
		Limit:          qdrant.PtrOf(uint64(params.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         documentFilter(params.DocumentID),
	}
	if hybrid {
		req.Using = qdrant.PtrOf(denseVectorName)
	}

	response, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", name, classify(err))
	}

	return scoredPointsToResults(response), nil
}

// HybridSearch fuses dense and sparse ranked lists with reciprocal rank
// fusion. When the collection has no sparse slot, or no sparse query vector
// is supplied, it degrades to dense-only search and reports why.
func (s *QdrantStore) HybridSearch(ctx context.Context, name string, dense []float32, sparse *SparseVector, params SearchParams) (*HybridResult, error) {
	hasSparse, err := s.HasSparseVectors(ctx, name)
	if err != nil {
		return nil, err
	}

	var reason string
	switch {
	case !hasSparse:
		reason = "collection has no sparse vector support"
	case sparse == nil || len(sparse.Indices) == 0:
		reason = "no sparse query vector supplied"
	}

	if reason != "" {
		s.logger.Warn("hybrid search degraded to dense-only",
			"collection", name,
			"reason", reason,
		)
		results, err := s.Search(ctx, name, dense, params)
		if err != nil {
			return nil, err
		}
		return &HybridResult{Results: results, Degraded: true, DegradedReason: reason}, nil
	}

	// Over-fetch both legs so fusion has enough material.
	prefetchLimit := qdrant.PtrOf(uint64(params.Limit * s.prefetchFactor))
	filter := documentFilter(params.DocumentID)

	denseResp, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryDense(dense),
		Using:          qdrant.PtrOf(denseVectorName),
		Limit:          prefetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run dense leg of hybrid search on %q: %w", name, classify(err))
	}

	sparseResp, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Limit:          prefetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run sparse leg of hybrid search on %q: %w", name, classify(err))
	}

	fused := fuseRRF(s.rrfK, scoredPointsToResults(denseResp), scoredPointsToResults(sparseResp))
	if len(fused) > params.Limit {
		fused = fused[:params.Limit]
	}

	return &HybridResult{Results: fused}, nil
}

// DeleteByDocumentID removes all points whose payload references the document.
func (s *QdrantStore) DeleteByDocumentID(ctx context.Context, name string, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: documentFilter(documentID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for document %q: %w", documentID, classify(err))
	}
	return nil
}

// DocumentChunks scans a document's points and returns them sorted ascending
// by chunk position. This is a reconstruction view, not a relevance ranking.
func (s *QdrantStore) DocumentChunks(ctx context.Context, name string, documentID string, limit int) ([]SearchResult, error) {
	resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter:         documentFilter(documentID),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll document %q: %w", documentID, classify(err))
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:      point.GetId().GetUuid(),
			Payload: decodePayload(point.GetPayload()),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Payload.ChunkPosition < results[j].Payload.ChunkPosition
	})

	return results, nil
}

// Scroll pages through a collection's points with vectors and payloads.
func (s *QdrantStore) Scroll(ctx context.Context, name string, offset string, limit int) ([]Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if offset != "" {
		req.Offset = qdrant.NewIDUUID(offset)
	}

	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scroll collection %q: %w", name, classify(err))
	}

	points := make([]Point, 0, len(resp.GetResult()))
	for _, rp := range resp.GetResult() {
		dense, sparse := decodeVectors(rp.GetVectors())
		points = append(points, Point{
			ID:      rp.GetId().GetUuid(),
			Dense:   dense,
			Sparse:  sparse,
			Payload: decodePayload(rp.GetPayload()),
		})
	}

	return points, resp.GetNextPageOffset().GetUuid(), nil
}

// namedVectors builds the named vector map used by collections with sparse
// support. The sparse entry is omitted for dense-only points.
func namedVectors(dense []float32, sparse *SparseVector) *qdrant.Vectors {
	vectors := map[string]*qdrant.Vector{
		denseVectorName: {Data: dense},
	}
	if sparse != nil {
		vectors[sparseVectorName] = &qdrant.Vector{
			Indices: &qdrant.SparseIndices{Data: sparse.Indices},
			Data:    sparse.Values,
		}
	}
	return &qdrant.Vectors{
		VectorsOptions: &qdrant.Vectors_Vectors{
			Vectors: &qdrant.NamedVectors{Vectors: vectors},
		},
	}
}

// decodeVectors extracts dense and sparse vectors from a scrolled point,
// handling both unnamed (dense-only collection) and named layouts.
func decodeVectors(out *qdrant.VectorsOutput) ([]float32, *SparseVector) {
	if out == nil {
		return nil, nil
	}

	if v := out.GetVector(); v != nil {
		return v.GetData(), nil
	}

	named := out.GetVectors().GetVectors()
	if named == nil {
		return nil, nil
	}

	var dense []float32
	if dv, ok := named[denseVectorName]; ok {
		dense = dv.GetData()
	}

	var sparse *SparseVector
	if sv, ok := named[sparseVectorName]; ok && sv.GetIndices() != nil {
		sparse = &SparseVector{
			Indices: sv.GetIndices().GetData(),
			Values:  sv.GetData(),
		}
	}

	return dense, sparse
}

func documentFilter(documentID string) *qdrant.Filter {
	if documentID == "" {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(fieldDocumentID, documentID),
		},
	}
}

func encodePayload(p Payload) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		fieldDocumentID:    qdrant.NewValueString(p.DocumentID),
		fieldDocumentName:  qdrant.NewValueString(p.DocumentName),
		fieldChunkText:     qdrant.NewValueString(p.ChunkText),
		fieldChunkPosition: qdrant.NewValueInt(int64(p.ChunkPosition)),
	}
	for k, v := range p.Metadata {
		payload[k] = qdrant.NewValueString(v)
	}
	return payload
}

func decodePayload(payload map[string]*qdrant.Value) Payload {
	p := Payload{Metadata: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case fieldDocumentID:
			p.DocumentID = v.GetStringValue()
		case fieldDocumentName:
			p.DocumentName = v.GetStringValue()
		case fieldChunkText:
			p.ChunkText = v.GetStringValue()
		case fieldChunkPosition:
			p.ChunkPosition = int(v.GetIntegerValue())
		default:
			p.Metadata[k] = v.GetStringValue()
		}
	}
	return p
}

func scoredPointsToResults(points []*qdrant.ScoredPoint) []SearchResult {
	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		results = append(results, SearchResult{
			ID:      point.GetId().GetUuid(),
			Score:   point.GetScore(),
			Payload: decodePayload(point.GetPayload()),
		})
	}
	return results
}

// classify maps Qdrant gRPC errors onto the store's error taxonomy so callers
// can branch without parsing messages.
func classify(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrCollectionNotFound, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
