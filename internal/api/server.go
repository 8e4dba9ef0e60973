package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/metrics"
	"github.com/opensource-finance/billguard/internal/pipeline"
	"github.com/opensource-finance/billguard/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators behind the API. Repository, Cache, Bus,
// Metrics and Gatherer may be nil.
type Deps struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Manager    *rules.Manager
	Pipeline   *pipeline.Service
	Metrics    *metrics.Collector
	Gatherer   prometheus.Gatherer
	Version    string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)                  // CORS for browser clients
	router.Use(RecoverMiddleware)               // Recover from panics
	router.Use(TracingMiddleware)               // OpenTelemetry tracing
	router.Use(LoggingMiddleware)               // Request logging
	router.Use(MetricsMiddleware(deps.Metrics)) // Prometheus request metrics
	router.Use(middleware.RealIP)               // Extract real IP
	router.Use(middleware.Compress(5))          // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Batch validation
		r.Post("/validate", handler.Validate)

		// Run history
		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/{id}", handler.GetRun)

		// Tenant thresholds
		r.Get("/thresholds", handler.GetThresholds)
		r.Put("/thresholds", handler.PutThresholds)

		// Expression rule management
		r.Get("/expression-rules", handler.ListExpressionRules)
		r.Post("/expression-rules", handler.CreateExpressionRule)
		r.Delete("/expression-rules/{id}", handler.DeleteExpressionRule)
		r.Post("/expression-rules/reload", handler.ReloadExpressionRules)
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
