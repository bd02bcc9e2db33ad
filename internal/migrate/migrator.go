// Package migrate retrofits sparse-vector support onto dense-only collections.
//
// The underlying index cannot add a vector modality to an existing collection
// in place, so migration rebuilds the collection through a temporary one:
//
//	not-migrated -> staging -> swapping -> done
//
// with failed reachable from any state. The temporary collection is removed on
// every exit path; the original collection is deleted only after the temporary
// one has been fully populated and its point count verified.
package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/embedder"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

// tempSuffix names the staging collection. The convention is pinned so stale
// temporaries from crashed runs are recognized and removed.
const tempSuffix = "_migration_temp"

// DefaultBatchSize bounds how many points are held in memory per batch.
const DefaultBatchSize = 100

// State is a phase of the migration state machine.
type State string

const (
	StateNotMigrated State = "not-migrated"
	StateStaging     State = "staging"
	StateSwapping    State = "swapping"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Report summarizes one migration run.
type Report struct {
	Collection      string
	State           State
	AlreadyMigrated bool
	PointsMigrated  int
	SkippedNoText   int
}

// Migrator rebuilds collections with sparse vector support. Batches are
// processed strictly sequentially per collection to bound memory.
type Migrator struct {
	store     vectorstore.Store
	sparse    embedder.SparseEncoder
	batchSize int
	logger    *slog.Logger
}

// Config holds Migrator configuration.
type Config struct {
	Store     vectorstore.Store
	Sparse    embedder.SparseEncoder
	BatchSize int
	Logger    *slog.Logger
}

// New creates a Migrator.
func New(cfg Config) *Migrator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		store:     cfg.Store,
		sparse:    cfg.Sparse,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Migrate upgrades one collection to support sparse vectors. Running it on an
// already-migrated collection is a no-op success.
func (m *Migrator) Migrate(ctx context.Context, collection string) (*Report, error) {
	logger := m.logger.With("collection", collection, "run_id", uuid.NewString())
	report := &Report{Collection: collection, State: StateNotMigrated}

	exists, err := m.store.CollectionExists(ctx, collection)
	if err != nil {
		report.State = StateFailed
		return report, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		report.State = StateFailed
		return report, fmt.Errorf("collection %q does not exist", collection)
	}

	hasSparse, err := m.store.HasSparseVectors(ctx, collection)
	if err != nil {
		report.State = StateFailed
		return report, fmt.Errorf("failed to inspect collection: %w", err)
	}
	if hasSparse {
		logger.Info("collection already has sparse vectors, skipping migration")
		report.State = StateDone
		report.AlreadyMigrated = true
		return report, nil
	}

	temp := collection + tempSuffix

	// A temp collection left behind by a crashed run is stale; remove it.
	tempExists, err := m.store.CollectionExists(ctx, temp)
	if err != nil {
		report.State = StateFailed
		return report, fmt.Errorf("failed to check temporary collection: %w", err)
	}
	if tempExists {
		logger.Warn("stale temporary collection found, deleting it", "temp", temp)
		if err := m.store.DeleteCollection(ctx, temp); err != nil {
			report.State = StateFailed
			return report, fmt.Errorf("failed to delete stale temporary collection: %w", err)
		}
	}

	sourceInfo, err := m.store.CollectionInfo(ctx, collection)
	if err != nil {
		report.State = StateFailed
		return report, fmt.Errorf("failed to read source collection info: %w", err)
	}
	logger.Info("starting migration", "points", sourceInfo.PointCount, "temp", temp)

	report.State = StateStaging
	if err := m.stage(ctx, logger, collection, temp, report); err != nil {
		m.cleanupTemp(ctx, logger, temp)
		report.State = StateFailed
		return report, fmt.Errorf("staging failed: %w", err)
	}

	// The original is only deleted once the temporary collection holds every
	// point, bounding the data-loss window to the swap itself.
	// TODO: use collection aliases (CreateAlias/RenameAlias on the points
	// client) to make the swap atomic once the deployment baseline allows it.
	tempInfo, err := m.store.CollectionInfo(ctx, temp)
	if err != nil {
		m.cleanupTemp(ctx, logger, temp)
		report.State = StateFailed
		return report, fmt.Errorf("failed to verify temporary collection: %w", err)
	}
	if tempInfo.PointCount != sourceInfo.PointCount {
		m.cleanupTemp(ctx, logger, temp)
		report.State = StateFailed
		return report, fmt.Errorf("temporary collection holds %d points, source holds %d; aborting before swap",
			tempInfo.PointCount, sourceInfo.PointCount)
	}

	report.State = StateSwapping
	if err := m.swap(ctx, logger, collection, temp); err != nil {
		m.cleanupTemp(ctx, logger, temp)
		report.State = StateFailed
		return report, fmt.Errorf("swapping failed: %w", err)
	}

	if err := m.store.DeleteCollection(ctx, temp); err != nil {
		// The migration itself succeeded; report the leftover loudly.
		logger.Error("failed to delete temporary collection after successful migration", "temp", temp, "error", err)
	}

	report.State = StateDone
	logger.Info("migration complete",
		"points_migrated", report.PointsMigrated,
		"skipped_no_text", report.SkippedNoText,
	)
	return report, nil
}

// stage copies every point from source into temp, computing a sparse vector
// from each point's chunk text. Points without retrievable text are copied
// dense-only, best effort.
func (m *Migrator) stage(ctx context.Context, logger *slog.Logger, source, temp string, report *Report) error {
	if err := m.store.CreateCollection(ctx, temp, true); err != nil {
		return fmt.Errorf("failed to create temporary collection: %w", err)
	}

	offset := ""
	for {
		points, next, err := m.store.Scroll(ctx, source, offset, m.batchSize)
		if err != nil {
			return fmt.Errorf("failed to scroll source collection: %w", err)
		}
		if len(points) == 0 {
			break
		}

		// Split the batch into points with text (sparse-encoded in one
		// batch call, order preserved) and textless ones (copied as-is).
		var texts []string
		var withText []int
		for i, p := range points {
			if p.Payload.ChunkText != "" {
				texts = append(texts, p.Payload.ChunkText)
				withText = append(withText, i)
				continue
			}
			logger.Warn("point has no chunk text, copying without sparse vector", "point_id", p.ID)
			report.SkippedNoText++
		}

		if len(texts) > 0 {
			vectors, err := m.sparse.EncodeSparseBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("failed to compute sparse embeddings: %w", err)
			}
			for j, i := range withText {
				points[i].Sparse = vectors[j]
			}
		}

		if err := m.store.Upsert(ctx, temp, points); err != nil {
			return fmt.Errorf("failed to upsert batch into temporary collection: %w", err)
		}

		report.PointsMigrated += len(points)
		logger.Info("staged batch", "migrated", report.PointsMigrated)

		if next == "" {
			break
		}
		offset = next
	}

	return nil
}

// swap recreates the original collection with sparse support and copies all
// points back from the temporary collection.
func (m *Migrator) swap(ctx context.Context, logger *slog.Logger, collection, temp string) error {
	logger.Info("swapping collections", "temp", temp)

	if err := m.store.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete original collection: %w", err)
	}
	if err := m.store.CreateCollection(ctx, collection, true); err != nil {
		return fmt.Errorf("failed to recreate collection with sparse support: %w", err)
	}

	offset := ""
	for {
		points, next, err := m.store.Scroll(ctx, temp, offset, m.batchSize)
		if err != nil {
			return fmt.Errorf("failed to scroll temporary collection: %w", err)
		}
		if len(points) == 0 {
			break
		}

		if err := m.store.Upsert(ctx, collection, points); err != nil {
			return fmt.Errorf("failed to copy batch back: %w", err)
		}

		if next == "" {
			break
		}
		offset = next
	}

	return nil
}

// cleanupTemp removes the temporary collection on failure paths so no run
// leaves an orphan behind.
func (m *Migrator) cleanupTemp(ctx context.Context, logger *slog.Logger, temp string) {
	exists, err := m.store.CollectionExists(ctx, temp)
	if err != nil || !exists {
		return
	}
	logger.Info("cleaning up temporary collection", "temp", temp)
	if err := m.store.DeleteCollection(ctx, temp); err != nil {
		logger.Error("failed to clean up temporary collection", "temp", temp, "error", err)
	}
}

// MigrateAll migrates every collection, skipping staging temporaries. It
// keeps going after per-collection failures and returns the reports alongside
// an error naming the collections that failed.
func (m *Migrator) MigrateAll(ctx context.Context) ([]*Report, error) {
	names, err := m.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	var reports []*Report
	var failed []string
	for _, name := range names {
		if IsTempCollection(name) {
			continue
		}
		report, err := m.Migrate(ctx, name)
		reports = append(reports, report)
		if err != nil {
			m.logger.Error("migration failed", "collection", name, "error", err)
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return reports, fmt.Errorf("migration failed for collections: %v", failed)
	}
	return reports, nil
}

// CollectionStatus pairs a collection name with its sparse-support flag.
type CollectionStatus struct {
	Name      string
	HasSparse bool
}

// List reports the sparse-support status of every non-temporary collection.
func (m *Migrator) List(ctx context.Context) ([]CollectionStatus, error) {
	names, err := m.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	statuses := make([]CollectionStatus, 0, len(names))
	for _, name := range names {
		if IsTempCollection(name) {
			continue
		}
		hasSparse, err := m.store.HasSparseVectors(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect collection %q: %w", name, err)
		}
		statuses = append(statuses, CollectionStatus{Name: name, HasSparse: hasSparse})
	}
	return statuses, nil
}

// IsTempCollection reports whether a collection name follows the migration
// staging convention.
func IsTempCollection(name string) bool {
	return len(name) > len(tempSuffix) && name[len(name)-len(tempSuffix):] == tempSuffix
}
