package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embedder"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/reranker"
	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/server"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

func main() {
	// Default logger until the configured level is known
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Structured logging at the configured level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting retrieval service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"embedding_provider", cfg.EmbeddingProvider,
		"reranker_mode", cfg.RerankerMode,
	)

	// Initialize Qdrant vector store
	store, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
		URL:            cfg.QdrantGRPCURL,
		Dimension:      cfg.EmbeddingDimension,
		PrefetchFactor: cfg.HybridPrefetchFactor,
		RRFK:           cfg.RRFK,
		Logger:         slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer store.Close()
	slog.Info("connected to Qdrant", "url", cfg.QdrantGRPCURL)

	// Initialize dense embedder
	dense, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	cacheCfg := embedder.CacheConfig{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	}
	cachedDense := embedder.NewCachedEmbedder(dense, cacheCfg)
	slog.Info("initialized embedder",
		"provider", cfg.EmbeddingProvider,
		"model", cachedDense.ModelName(),
		"dimension", cachedDense.Dimension(),
	)

	// Sparse encoder for hybrid search, cached like the dense side
	sparse := embedder.NewCachedSparseEncoder(embedder.NewLexicalSparseEncoder(), cacheCfg)

	// Metrics registry
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Retrieval service
	svcOpts := []retrieval.Option{
		retrieval.WithSparseEncoder(sparse),
		retrieval.WithMetrics(m),
		retrieval.WithLogger(slog.Default()),
		retrieval.WithDefaults(retrieval.Defaults{
			Limit:        cfg.DefaultLimit,
			MinScore:     cfg.DefaultMinScore,
			RerankFactor: cfg.RerankFactor,
		}),
	}
	if rr := buildReranker(cfg); rr != nil {
		svcOpts = append(svcOpts, retrieval.WithReranker(rr))
	}
	svc := retrieval.New(store, cachedDense, svcOpts...)

	// Fail fast when the default collection exists with the wrong dimension
	if err := svc.VerifyCollection(ctx, cfg.DefaultCollection); err != nil {
		return fmt.Errorf("collection verification failed: %w", err)
	}

	// Create HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:      cfg.HTTPPort,
		Logger:    slog.Default(),
		Retriever: svc,
		Store:     store,
		Gatherer:  registry,
	})

	// Start server
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedder.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel)
	default:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		}), nil
	}
}

func buildReranker(cfg *config.Config) reranker.Reranker {
	switch cfg.RerankerMode {
	case "llm":
		client := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		)
		return reranker.NewLLMReranker(client, reranker.WithModel(cfg.OllamaLLMModel))
	case "lexical":
		return reranker.NewLexicalReranker()
	default:
		return nil
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ vectorstore.Store      = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder      = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder      = (*embedder.OpenAIEmbedder)(nil)
	_ embedder.SparseEncoder = (*embedder.LexicalSparseEncoder)(nil)
	_ llm.LLM                = (*llm.OllamaClient)(nil)
	_ reranker.Reranker      = (*reranker.LLMReranker)(nil)
	_ reranker.Reranker      = (*reranker.LexicalReranker)(nil)
	_ server.Retriever       = (*retrieval.Service)(nil)
)
