// Package server exposes the retrieval service over a thin HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/vectorstore"
)

// Retriever is the slice of the retrieval service the HTTP layer needs.
type Retriever interface {
	Retrieve(ctx context.Context, query, collection string, opts retrieval.Options) (*retrieval.Result, error)
	RetrieveFormatted(ctx context.Context, query, collection string, limit int) (string, error)
}

// HTTPServer serves the retrieval API, health checks and metrics.
type HTTPServer struct {
	server    *http.Server
	router    *chi.Mux
	logger    *slog.Logger
	retriever Retriever
	store     vectorstore.Store
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port      int
	Logger    *slog.Logger
	Retriever Retriever
	Store     vectorstore.Store
	Gatherer  prometheus.Gatherer
}

// NewHTTPServer creates the HTTP server and mounts all routes.
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &HTTPServer{
		logger:    logger,
		retriever: cfg.Retriever,
		store:     cfg.Store,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/retrieve/context", s.handleRetrieveContext)
		r.Get("/collections/{name}", s.handleCollectionInfo)
		r.Get("/collections/{name}/documents/{documentID}/chunks", s.handleDocumentChunks)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying chi router, used by tests.
func (s *HTTPServer) Router() *chi.Mux {
	return s.router
}

// retrieveRequest is the body for POST /v1/retrieve and /v1/retrieve/context.
type retrieveRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	Limit      int    `json:"limit,omitempty"`
	// MinScore is a pointer so clients can distinguish an explicit zero
	// threshold from an omitted one.
	MinScore       *float32 `json:"min_score,omitempty"`
	Rerank         bool     `json:"rerank,omitempty"`
	Hybrid         bool     `json:"hybrid,omitempty"`
	IncludeLatency bool     `json:"include_latency,omitempty"`
}

func (s *HTTPServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	result, err := s.retriever.Retrieve(r.Context(), req.Query, req.Collection, retrieval.Options{
		Limit:          req.Limit,
		MinScore:       req.MinScore,
		Rerank:         req.Rerank,
		Hybrid:         req.Hybrid,
		IncludeLatency: req.IncludeLatency,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRetrieveContext(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	formatted, err := s.retriever.RetrieveFormatted(r.Context(), req.Query, req.Collection, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"context": formatted})
}

func (s *HTTPServer) handleCollectionInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	info, err := s.store.CollectionInfo(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":        info.Name,
		"point_count": info.PointCount,
		"dimension":   info.Dimension,
		"has_sparse":  info.HasSparse,
		"status":      info.Status,
	})
}

func (s *HTTPServer) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	documentID := chi.URLParam(r, "documentID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	chunks, err := s.store.DocumentChunks(r.Context(), name, documentID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type chunkResponse struct {
		ID            string `json:"id"`
		ChunkText     string `json:"chunk_text"`
		ChunkPosition int    `json:"chunk_position"`
	}
	out := make([]chunkResponse, len(chunks))
	for i, c := range chunks {
		out[i] = chunkResponse{
			ID:            c.ID,
			ChunkText:     c.Payload.ChunkText,
			ChunkPosition: c.Payload.ChunkPosition,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"chunks": out})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the vector index answers.
	if _, err := s.store.ListCollections(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) decodeRetrieveRequest(w http.ResponseWriter, r *http.Request) (*retrieveRequest, bool) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return nil, false
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return nil, false
	}
	if req.Collection == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "collection is required"})
		return nil, false
	}
	return &req, true
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vectorstore.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
