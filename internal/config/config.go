// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the retrieval service
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Qdrant
	QdrantGRPCURL string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`

	// Embedding backend: "ollama" or "openai"
	EmbeddingProvider  string `env:"EMBEDDING_PROVIDER" envDefault:"ollama"`
	EmbeddingDimension int    `env:"EMBEDDING_DIMENSION" envDefault:"768"`

	// Ollama
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`

	// OpenAI (used when EMBEDDING_PROVIDER=openai)
	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIEmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`

	// Embedding cache
	CacheTTL        time.Duration `env:"EMBEDDING_CACHE_TTL" envDefault:"5m"`
	CacheMaxEntries int           `env:"EMBEDDING_CACHE_MAX_ENTRIES" envDefault:"1024"`

	// Retrieval
	DefaultCollection string  `env:"DEFAULT_COLLECTION" envDefault:"documents"`
	DefaultLimit      int     `env:"DEFAULT_LIMIT" envDefault:"5"`
	DefaultMinScore   float32 `env:"DEFAULT_MIN_SCORE" envDefault:"0"`
	RerankFactor      int     `env:"RERANK_FACTOR" envDefault:"4"`

	// Reranker: "llm", "lexical" or "off"
	RerankerMode string `env:"RERANKER_MODE" envDefault:"lexical"`

	// Hybrid search
	HybridPrefetchFactor int `env:"HYBRID_PREFETCH_FACTOR" envDefault:"2"`
	RRFK                 int `env:"RRF_K" envDefault:"60"`

	// Migration
	MigrationBatchSize int `env:"MIGRATION_BATCH_SIZE" envDefault:"100"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.RerankFactor < 1 {
		return fmt.Errorf("rerank factor must be at least 1, got %d", c.RerankFactor)
	}
	if c.HybridPrefetchFactor < 1 {
		return fmt.Errorf("hybrid prefetch factor must be at least 1, got %d", c.HybridPrefetchFactor)
	}
	switch c.EmbeddingProvider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider)
	}
	switch c.RerankerMode {
	case "llm", "lexical", "off":
	default:
		return fmt.Errorf("unknown reranker mode %q", c.RerankerMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps LogLevel to the corresponding slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
