package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/models"
	"dispatch-engine-go/internal/reconciler"
	"dispatch-engine-go/internal/store"
)

// HealthHandler handles health and readiness checks
type HealthHandler struct {
	store      store.Store
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(st store.Store, rec *reconciler.Reconciler, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		store:      st,
		reconciler: rec,
		logger:     logger,
	}
}

// HandleHealth handles GET /api/v1/health (liveness probe)
// Returns 200 unconditionally. Liveness must not depend on external
// services, otherwise a store outage cascades into restarts.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// HandleReady handles GET /api/v1/ready (readiness probe)
// Only ready when the store answers: without it neither webhooks nor
// dispatch can do anything useful.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed: store unavailable", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ReconcileHandler triggers a manual reconciliation sweep
type ReconcileHandler struct {
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
}

// NewReconcileHandler creates a new reconcile handler
func NewReconcileHandler(rec *reconciler.Reconciler, logger *zap.Logger) *ReconcileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileHandler{
		reconciler: rec,
		logger:     logger,
	}
}

// HandleRun handles POST /api/v1/reconcile/run
func (h *ReconcileHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	res := h.reconciler.RunNow(r.Context())
	respondWithJSON(w, http.StatusOK, models.ReconcileResponse{
		Scanned:   res.Scanned,
		Recovered: res.Recovered,
		Errors:    res.Errors,
	})
}
