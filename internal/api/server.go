// Package api exposes the HTTP surface: event ingestion, gate checks,
// threat state reads, and detector management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/evaluator"
	"github.com/hearth-social/warden/internal/gate"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, dispatcher *gate.Dispatcher, eval *evaluator.Evaluator, detectors map[domain.EntityClass]*collector.DetectorEngine, version string) *Server {
	handler := NewHandler(repo, cache, bus, dispatcher, eval, detectors, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Ingestion and gating hot paths
	router.Post("/events", handler.IngestEvent)
	router.Post("/check", handler.Check)

	// Per-entity state
	router.Route("/classes/{class}/entities/{id}", func(r chi.Router) {
		r.Post("/evaluate", handler.EvaluateEntity)
		r.Get("/threat", handler.GetThreatState)
		r.Get("/audits", handler.ListAudits)
	})

	// Detector management
	router.Route("/classes/{class}/detectors", func(r chi.Router) {
		r.Get("/", handler.ListDetectors)
		r.Post("/", handler.CreateDetector)
		r.Post("/reload", handler.ReloadDetectors)
		r.Get("/{id}", handler.GetDetector)
		r.Delete("/{id}", handler.DeleteDetector)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
