package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dispatch-engine-go/internal/api/handlers"
	"dispatch-engine-go/internal/api/middleware"
	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/dispatcher"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/reconciler"
	"dispatch-engine-go/internal/store"
)

// NewRouter creates a new Chi router with all routes and middleware configured
func NewRouter(
	st store.Store,
	disp *dispatcher.Dispatcher,
	proc *events.Processor,
	rec *reconciler.Reconciler,
	cfg *config.Config,
	logger *zap.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Apply middleware stack
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(proc, logger)
	dispatchHandler := handlers.NewDispatchHandler(disp, logger)
	statusHandler := handlers.NewStatusHandler(st, disp, rec, cfg.AppName, logger)
	agentsHandler := handlers.NewAgentsHandler(st, cfg.DefaultMaxConcurrent, logger)
	eventsHandler := handlers.NewEventsHandler(st, logger)
	healthHandler := handlers.NewHealthHandler(st, rec, logger)
	reconcileHandler := handlers.NewReconcileHandler(rec, logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Webhook ingestion
		r.Post("/webhooks/call-events", webhookHandler.Handle)

		// Dispatch loop control
		r.Post("/dispatch/start", dispatchHandler.HandleStart)
		r.Post("/dispatch/stop", dispatchHandler.HandleStop)
		r.Get("/dispatch/status", dispatchHandler.HandleStatus)

		// Engine summary
		r.Get("/status", statusHandler.Handle)

		// Agent load trackers
		r.Post("/agents", agentsHandler.HandleRegister)
		r.Get("/agents/{agent_id}", agentsHandler.HandleGet)
		r.Post("/agents/{agent_id}/availability", agentsHandler.HandleAvailability)

		// Exhausted events monitoring
		r.Get("/events/failed", eventsHandler.HandleFailed)

		// Manual reconciliation
		r.Post("/reconcile/run", reconcileHandler.HandleRun)

		// Health and readiness endpoints
		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/ready", healthHandler.HandleReady)

		// Metrics endpoint
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})

	return r
}
