package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"testing"

	"github.com/quarryhq/quarry/internal/vectorstore"
)

// memStore is an in-memory Store covering the surface the migrator uses.
// Failure injection hooks let tests break specific calls.
type memStore struct {
	collections map[string]*memCollection

	failUpsertOn string // collection name
	failCreateOn string
	failScrollOn string
}

type memCollection struct {
	hasSparse bool
	points    map[string]vectorstore.Point
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string]*memCollection)}
}

func (s *memStore) addCollection(name string, hasSparse bool, points ...vectorstore.Point) {
	c := &memCollection{hasSparse: hasSparse, points: make(map[string]vectorstore.Point)}
	for _, p := range points {
		c.points[p.ID] = p
	}
	s.collections[name] = c
}

func (s *memStore) CreateCollection(_ context.Context, name string, withSparse bool) error {
	if name == s.failCreateOn {
		return errors.New("injected create failure")
	}
	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = &memCollection{hasSparse: withSparse, points: make(map[string]vectorstore.Point)}
	return nil
}

func (s *memStore) DeleteCollection(_ context.Context, name string) error {
	delete(s.collections, name)
	return nil
}

func (s *memStore) CollectionExists(_ context.Context, name string) (bool, error) {
	_, ok := s.collections[name]
	return ok, nil
}

func (s *memStore) ListCollections(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) HasSparseVectors(_ context.Context, name string) (bool, error) {
	c, ok := s.collections[name]
	if !ok {
		return false, nil
	}
	return c.hasSparse, nil
}

func (s *memStore) CollectionInfo(_ context.Context, name string) (*vectorstore.CollectionInfo, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	return &vectorstore.CollectionInfo{
		Name:       name,
		PointCount: uint64(len(c.points)),
		HasSparse:  c.hasSparse,
	}, nil
}

func (s *memStore) Upsert(_ context.Context, name string, points []vectorstore.Point) error {
	if name == s.failUpsertOn {
		return errors.New("injected upsert failure")
	}
	c, ok := s.collections[name]
	if !ok {
		return vectorstore.ErrCollectionNotFound
	}
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

func (s *memStore) Search(_ context.Context, _ string, _ []float32, _ vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (s *memStore) HybridSearch(_ context.Context, _ string, _ []float32, _ *vectorstore.SparseVector, _ vectorstore.SearchParams) (*vectorstore.HybridResult, error) {
	return &vectorstore.HybridResult{}, nil
}

func (s *memStore) DeleteByDocumentID(_ context.Context, _ string, _ string) error {
	return nil
}

func (s *memStore) DocumentChunks(_ context.Context, _ string, _ string, _ int) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

// Scroll pages points in sorted-ID order; the offset is the next ID index.
func (s *memStore) Scroll(_ context.Context, name string, offset string, limit int) ([]vectorstore.Point, string, error) {
	if name == s.failScrollOn {
		return nil, "", errors.New("injected scroll failure")
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, "", vectorstore.ErrCollectionNotFound
	}

	ids := make([]string, 0, len(c.points))
	for id := range c.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if offset != "" {
		start, _ = strconv.Atoi(offset)
	}
	if start >= len(ids) {
		return nil, "", nil
	}

	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	points := make([]vectorstore.Point, 0, end-start)
	for _, id := range ids[start:end] {
		points = append(points, c.points[id])
	}

	next := ""
	if end < len(ids) {
		next = strconv.Itoa(end)
	}
	return points, next, nil
}

var _ vectorstore.Store = (*memStore)(nil)

// sparseStub encodes a single fixed index per text; an injected error breaks
// the staging phase mid-flight.
type sparseStub struct {
	err error
}

func (s *sparseStub) EncodeSparse(_ context.Context, text string) (*vectorstore.SparseVector, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &vectorstore.SparseVector{Indices: []uint32{uint32(len(text))}, Values: []float32{1}}, nil
}

func (s *sparseStub) EncodeSparseBatch(ctx context.Context, texts []string) ([]*vectorstore.SparseVector, error) {
	out := make([]*vectorstore.SparseVector, len(texts))
	for i, text := range texts {
		v, err := s.EncodeSparse(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func densePoints(n int) []vectorstore.Point {
	points := make([]vectorstore.Point, n)
	for i := range points {
		points[i] = vectorstore.Point{
			ID:    fmt.Sprintf("point-%03d", i),
			Dense: []float32{float32(i), 0, 0, 0},
			Payload: vectorstore.Payload{
				DocumentID:    "doc-1",
				ChunkText:     fmt.Sprintf("chunk text number %d", i),
				ChunkPosition: i,
			},
		}
	}
	return points
}

func newTestMigrator(store *memStore, batchSize int) *Migrator {
	return New(Config{Store: store, Sparse: &sparseStub{}, BatchSize: batchSize})
}

func TestMigrate_AddsSparseVectors(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(7)...)

	report, err := newTestMigrator(store, 3).Migrate(context.Background(), "docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.State != StateDone {
		t.Errorf("expected done state, got %s", report.State)
	}
	if report.PointsMigrated != 7 {
		t.Errorf("expected 7 migrated points, got %d", report.PointsMigrated)
	}

	c := store.collections["docs"]
	if c == nil {
		t.Fatal("original collection is gone")
	}
	if !c.hasSparse {
		t.Error("collection was not rebuilt with sparse support")
	}
	if len(c.points) != 7 {
		t.Errorf("expected 7 points after migration, got %d", len(c.points))
	}
	for id, p := range c.points {
		if p.Sparse == nil || len(p.Sparse.Indices) == 0 {
			t.Errorf("point %s has no sparse vector", id)
		}
	}
	if _, ok := store.collections["docs"+tempSuffix]; ok {
		t.Error("temporary collection left behind after success")
	}
}

func TestMigrate_PreservesPayloads(t *testing.T) {
	store := newMemStore()
	original := densePoints(4)
	store.addCollection("docs", false, original...)

	if _, err := newTestMigrator(store, 2).Migrate(context.Background(), "docs"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := store.collections["docs"]
	for _, want := range original {
		got, ok := c.points[want.ID]
		if !ok {
			t.Errorf("point %s lost in migration", want.ID)
			continue
		}
		if got.Payload.ChunkText != want.Payload.ChunkText {
			t.Errorf("point %s: chunk text changed: %q", want.ID, got.Payload.ChunkText)
		}
		if got.Payload.ChunkPosition != want.Payload.ChunkPosition {
			t.Errorf("point %s: chunk position changed: %d", want.ID, got.Payload.ChunkPosition)
		}
		if len(got.Dense) != len(want.Dense) || got.Dense[0] != want.Dense[0] {
			t.Errorf("point %s: dense vector changed", want.ID)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(5)...)
	migrator := newTestMigrator(store, 2)
	ctx := context.Background()

	first, err := migrator.Migrate(ctx, "docs")
	if err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if first.AlreadyMigrated {
		t.Error("first run should not report already migrated")
	}

	second, err := migrator.Migrate(ctx, "docs")
	if err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if !second.AlreadyMigrated {
		t.Error("second run should be a no-op")
	}
	if second.State != StateDone {
		t.Errorf("expected done state, got %s", second.State)
	}
	if len(store.collections["docs"].points) != 5 {
		t.Errorf("point count changed on second run: %d", len(store.collections["docs"].points))
	}
}

func TestMigrate_MissingCollection(t *testing.T) {
	store := newMemStore()

	report, err := newTestMigrator(store, 2).Migrate(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for missing collection")
	}
	if report.State != StateFailed {
		t.Errorf("expected failed state, got %s", report.State)
	}
}

func TestMigrate_TextlessPointsCopiedDenseOnly(t *testing.T) {
	store := newMemStore()
	points := densePoints(3)
	points[1].Payload.ChunkText = ""
	store.addCollection("docs", false, points...)

	report, err := newTestMigrator(store, 10).Migrate(context.Background(), "docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.SkippedNoText != 1 {
		t.Errorf("expected 1 skipped point, got %d", report.SkippedNoText)
	}
	if report.PointsMigrated != 3 {
		t.Errorf("expected all 3 points migrated, got %d", report.PointsMigrated)
	}

	c := store.collections["docs"]
	if p := c.points["point-001"]; p.Sparse != nil && len(p.Sparse.Indices) > 0 {
		t.Error("textless point should not have a sparse vector")
	}
	if p := c.points["point-000"]; p.Sparse == nil {
		t.Error("point with text lost its sparse vector")
	}
}

func TestMigrate_StagingFailureCleansUpTemp(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(4)...)
	store.failUpsertOn = "docs" + tempSuffix

	report, err := newTestMigrator(store, 2).Migrate(context.Background(), "docs")
	if err == nil {
		t.Fatal("expected staging failure")
	}
	if report.State != StateFailed {
		t.Errorf("expected failed state, got %s", report.State)
	}
	if _, ok := store.collections["docs"+tempSuffix]; ok {
		t.Error("temporary collection not cleaned up after staging failure")
	}
	// Original untouched.
	if len(store.collections["docs"].points) != 4 {
		t.Errorf("original collection modified by failed staging: %d points", len(store.collections["docs"].points))
	}
}

func TestMigrate_SparseEncodingFailureCleansUpTemp(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(4)...)
	migrator := New(Config{Store: store, Sparse: &sparseStub{err: errors.New("encoder down")}, BatchSize: 2})

	report, err := migrator.Migrate(context.Background(), "docs")
	if err == nil {
		t.Fatal("expected failure from sparse encoder")
	}
	if report.State != StateFailed {
		t.Errorf("expected failed state, got %s", report.State)
	}
	if _, ok := store.collections["docs"+tempSuffix]; ok {
		t.Error("temporary collection not cleaned up")
	}
}

func TestMigrate_SwapFailureCleansUpTemp(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(4)...)
	store.failCreateOn = "docs" // recreating the original with sparse support fails

	report, err := newTestMigrator(store, 2).Migrate(context.Background(), "docs")
	if err == nil {
		t.Fatal("expected swap failure")
	}
	if report.State != StateFailed {
		t.Errorf("expected failed state, got %s", report.State)
	}
	if _, ok := store.collections["docs"+tempSuffix]; ok {
		t.Error("temporary collection not cleaned up after swap failure")
	}
}

func TestMigrate_StaleTempIsReplaced(t *testing.T) {
	store := newMemStore()
	store.addCollection("docs", false, densePoints(3)...)
	// Leftover from a crashed earlier run, holding stale data.
	store.addCollection("docs"+tempSuffix, true, densePoints(1)...)

	report, err := newTestMigrator(store, 2).Migrate(context.Background(), "docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PointsMigrated != 3 {
		t.Errorf("expected 3 points from a fresh staging, got %d", report.PointsMigrated)
	}
	if len(store.collections["docs"].points) != 3 {
		t.Errorf("expected 3 points after migration, got %d", len(store.collections["docs"].points))
	}
}

func TestMigrateAll(t *testing.T) {
	store := newMemStore()
	store.addCollection("alpha", false, densePoints(2)...)
	store.addCollection("beta", true, densePoints(3)...)
	store.addCollection("gamma", false, densePoints(1)...)
	// A stale temp must be skipped, not treated as a source collection.
	store.addCollection("alpha"+tempSuffix, true)

	reports, err := newTestMigrator(store, 10).MigrateAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	byName := make(map[string]*Report)
	for _, r := range reports {
		byName[r.Collection] = r
	}
	if !byName["beta"].AlreadyMigrated {
		t.Error("expected beta to be reported as already migrated")
	}
	if byName["alpha"].PointsMigrated != 2 || byName["gamma"].PointsMigrated != 1 {
		t.Errorf("unexpected migration counts: alpha=%d gamma=%d",
			byName["alpha"].PointsMigrated, byName["gamma"].PointsMigrated)
	}
}

func TestMigrateAll_ContinuesAfterFailure(t *testing.T) {
	store := newMemStore()
	store.addCollection("alpha", false, densePoints(2)...)
	store.addCollection("beta", false, densePoints(2)...)
	store.failScrollOn = "alpha"

	reports, err := newTestMigrator(store, 10).MigrateAll(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error naming the failed collection")
	}

	var betaDone bool
	for _, r := range reports {
		if r.Collection == "beta" && r.State == StateDone {
			betaDone = true
		}
	}
	if !betaDone {
		t.Error("expected beta to migrate despite alpha failing")
	}
}

func TestList(t *testing.T) {
	store := newMemStore()
	store.addCollection("alpha", false)
	store.addCollection("beta", true)
	store.addCollection("beta"+tempSuffix, true)

	statuses, err := newTestMigrator(store, 10).List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses (temp excluded), got %d", len(statuses))
	}
	for _, st := range statuses {
		switch st.Name {
		case "alpha":
			if st.HasSparse {
				t.Error("alpha should be dense-only")
			}
		case "beta":
			if !st.HasSparse {
				t.Error("beta should be hybrid")
			}
		default:
			t.Errorf("unexpected collection %q in listing", st.Name)
		}
	}
}

func TestIsTempCollection(t *testing.T) {
	if !IsTempCollection("docs" + tempSuffix) {
		t.Error("expected temp suffix to be recognized")
	}
	if IsTempCollection("docs") {
		t.Error("plain collection misidentified as temp")
	}
}
