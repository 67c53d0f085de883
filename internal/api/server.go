package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/experiment"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Dependencies are the engines and infrastructure the API serves.
type Dependencies struct {
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus

	Rules       *rules.Service
	Pricing     *pricing.Pipeline
	Experiments *experiment.Allocator
	Signals     *signals.Ingestor
	Analytics   *analytics.Recorder
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metricsCfg controls the Prometheus endpoint.
func NewServer(cfg domain.ServerConfig, metricsCfg domain.MetricsConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Recover is innermost so a panic is still traced, logged and counted as a 500.
	router.Use(CORSMiddleware(cfg.CORSOrigins))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, metrics.Handler())
	}

	// Pricing
	router.Post("/price/evaluate", handler.EvaluatePrice)

	// Rule repository
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/validate", handler.ValidateRule)
		r.Get("/changes", handler.RecentChanges)
		r.Get("/versions/summary", handler.VersionSummary)

		r.Get("/{id}", handler.GetRule)
		r.Patch("/{id}", handler.UpdateRule)
		r.Delete("/{id}", handler.DeleteRule)
		r.Post("/{id}/publish", handler.PublishRule)
		r.Get("/{id}/history", handler.RuleHistory)
		r.Get("/{id}/versions/{version}", handler.RuleVersion)
		r.Get("/{id}/compare", handler.CompareVersions)
		r.Post("/{id}/revert", handler.RevertRule)
	})

	// Experiments
	router.Route("/experiments", func(r chi.Router) {
		r.Get("/", handler.ListExperiments)
		r.Post("/", handler.CreateExperiment)
		r.Get("/{id}", handler.GetExperiment)
		r.Post("/{id}/start", handler.StartExperiment)
		r.Post("/{id}/pause", handler.PauseExperiment)
		r.Post("/{id}/complete", handler.CompleteExperiment)
		r.Post("/{id}/assign", handler.AssignVariant)
		r.Post("/{id}/outcomes", handler.RecordOutcome)
		r.Get("/{id}/results", handler.ExperimentResults)
	})

	// Sinks
	router.Post("/signals", handler.IngestSignals)
	router.Get("/signals", handler.ListSignals)
	router.Get("/signals/summary", handler.SignalSummary)
	router.Get("/signals/velocity", handler.SignalVelocity)
	router.Post("/analytics/events", handler.RecordEvent)
	router.Get("/analytics/events", handler.ListEvents)
	router.Get("/analytics/summary", handler.EventSummary)

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
