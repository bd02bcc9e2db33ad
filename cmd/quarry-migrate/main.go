// quarry-migrate upgrades dense-only Qdrant collections to hybrid
// (dense + sparse) collections so they can serve hybrid search.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embedder"
	"github.com/quarryhq/quarry/internal/migrate"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

func main() {
	var (
		collection string
		all        bool
		list       bool
		batchSize  int
	)
	flag.StringVar(&collection, "collection", "", "migrate a single collection by name")
	flag.StringVar(&collection, "c", "", "shorthand for -collection")
	flag.BoolVar(&all, "all", false, "migrate every collection")
	flag.BoolVar(&all, "a", false, "shorthand for -all")
	flag.BoolVar(&list, "list", false, "list collections and their sparse vector status")
	flag.BoolVar(&list, "l", false, "shorthand for -list")
	flag.IntVar(&batchSize, "batch-size", 0, "points per migration batch (default from MIGRATION_BATCH_SIZE)")
	flag.IntVar(&batchSize, "b", 0, "shorthand for -batch-size")
	flag.Parse()

	// Default logger until the configured level is known
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(collection, all, list, batchSize); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(collection string, all, list bool, batchSize int) error {
	if !list && !all && collection == "" {
		flag.Usage()
		return fmt.Errorf("one of -collection, -all or -list is required")
	}
	if all && collection != "" {
		return fmt.Errorf("-collection and -all are mutually exclusive")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if batchSize <= 0 {
		batchSize = cfg.MigrationBatchSize
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	store, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
		URL:       cfg.QdrantGRPCURL,
		Dimension: cfg.EmbeddingDimension,
		Logger:    slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer store.Close()

	migrator := migrate.New(migrate.Config{
		Store:     store,
		Sparse:    embedder.NewLexicalSparseEncoder(),
		BatchSize: batchSize,
		Logger:    slog.Default(),
	})

	if list {
		return printStatuses(ctx, migrator)
	}

	if all {
		reports, err := migrator.MigrateAll(ctx)
		for _, report := range reports {
			printReport(report)
		}
		return err
	}

	report, err := migrator.Migrate(ctx, collection)
	if report != nil {
		printReport(report)
	}
	return err
}

func printStatuses(ctx context.Context, migrator *migrate.Migrator) error {
	statuses, err := migrator.List(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no collections found")
		return nil
	}
	for _, st := range statuses {
		state := "dense-only"
		if st.HasSparse {
			state = "hybrid"
		}
		fmt.Printf("%-40s %s\n", st.Name, state)
	}
	return nil
}

func printReport(report *migrate.Report) {
	switch {
	case report.AlreadyMigrated:
		fmt.Printf("%-40s already migrated\n", report.Collection)
	case report.State == migrate.StateDone:
		fmt.Printf("%-40s migrated %d points (%d skipped, no chunk text)\n",
			report.Collection, report.PointsMigrated, report.SkippedNoText)
	default:
		fmt.Printf("%-40s %s\n", report.Collection, report.State)
	}
}
