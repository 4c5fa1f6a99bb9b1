// Package server provides the HTTP API for the engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/app"
	"github.com/hyperjump/intellidoc/internal/config"
)

// OwnerHeader carries the authenticated owner id, set by the auth layer in front
// of this service.
const OwnerHeader = "X-Owner-ID"

// Server is the HTTP server for the engine API.
type Server struct {
	app    *app.App
	config *config.ServerConfig
	logger *zap.Logger
	router chi.Router
	server *http.Server
}

// NewServer creates a server over a built engine.
func NewServer(a *app.App, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{app: a, config: cfg, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.config.CORSOrigins))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Event streams stay open, so they sit outside the request timeout.
		r.With(s.requireOwner).Get("/documents/{id}/events", s.handleDocumentEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(middleware.Compress(5))

			r.Get("/status", s.handleStatus)
			r.Post("/maintenance/sweep", s.handleSweep)
			r.Post("/maintenance/compact", s.handleCompact)

			r.Group(func(r chi.Router) {
				r.Use(s.requireOwner)
				r.Post("/documents", s.handleUpload)
				r.Get("/documents", s.handleListDocuments)
				r.Get("/documents/{id}", s.handleGetDocument)
				r.Get("/documents/{id}/status", s.handleDocumentStatus)
				r.Delete("/documents/{id}", s.handleDeleteDocument)
				r.Post("/documents/{id}/reprocess", s.handleReprocess)
				r.Post("/search", s.handleSearch)
				r.Post("/search/keyword", s.handleKeywordSearch)
			})
		})
	})
	return r
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", OwnerHeader},
		MaxAge:         300,
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
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
