// Package server provides the HTTP API for Sodan.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/sodan/internal/config"
	"github.com/hyperjump/sodan/internal/consult"
	"github.com/hyperjump/sodan/internal/embedding"
	"github.com/hyperjump/sodan/internal/llm"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/internal/storage"
	"github.com/hyperjump/sodan/internal/vector"
	"go.uber.org/zap"
)

// WatchService is the subset of the directory watcher the API exposes.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Deps are the components served by the API. Watch may be nil.
type Deps struct {
	RAG        *rag.Orchestrator
	Index      *vector.Store
	Embedder   *embedding.Service
	Consultant *consult.Consultant
	LLM        *llm.Client
	Registry   storage.Storage
	Watch      WatchService
}

// Server is the HTTP server for the Sodan API.
type Server struct {
	deps    Deps
	config  *config.Config
	logger  *zap.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.config.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.Server.RequestTimeout))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/ask", s.handleAsk)
		r.Post("/completions", s.handleCompletions)
		r.Post("/summarize", s.handleSummarize)
		r.Post("/compliance", s.handleCompliance)
		r.Post("/rank", s.handleRank)

		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleAddDocument)
		r.Delete("/documents", s.handleDeleteDocument)

		r.Post("/index/rebuild", s.handleRebuildIndex)
		r.Delete("/index", s.handleResetIndex)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/status", s.handleStatus)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
