// Package server provides the HTTP API over the document register, the
// pipeline manifest and retrieval.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/metrics"
	"github.com/hyperjump/councildocs/internal/register"
	"github.com/hyperjump/councildocs/internal/retrieval"
	"github.com/hyperjump/councildocs/internal/storage"
)

// StatsSource reports manifest statistics. *pipeline.Pipeline satisfies it.
type StatsSource interface {
	Stats() *manifest.Stats
}

// Deps are the stores the API reads. Searcher and Stats are optional: without
// a searcher the search endpoint answers 501, without Stats the manifest is
// summarised directly.
type Deps struct {
	Register *register.Register
	Manifest *manifest.Manifest
	Chunks   storage.ChunkStore
	Searcher *retrieval.Searcher
	Stats    StatsSource
	Metrics  *metrics.Metrics
}

// Server is the HTTP server for the councildocs API.
type Server struct {
	deps   Deps
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, config: cfg, logger: logger}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/documents/{id}/chunks", s.handleGetChunks)
		r.Get("/register", s.handleRegisterLookup)
		r.Get("/status", s.handleStatus)
		r.Post("/search", s.handleSearch)
		r.Post("/aggregate", s.handleAggregate)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
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
