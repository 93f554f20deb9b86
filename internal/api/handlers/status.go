package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/dispatcher"
	"dispatch-engine-go/internal/models"
	"dispatch-engine-go/internal/reconciler"
	"dispatch-engine-go/internal/store"
)

// StatusHandler reports the engine-wide summary
type StatusHandler struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	appName    string
	logger     *zap.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(st store.Store, d *dispatcher.Dispatcher, rec *reconciler.Reconciler, appName string, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{
		store:      st,
		dispatcher: d,
		reconciler: rec,
		appName:    appName,
		logger:     logger,
	}
}

// Handle handles GET /api/v1/status
func (h *StatusHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	trackers, err := h.store.ListAgents(ctx, r.URL.Query().Get("account_id"), r.URL.Query().Get("project"))
	if err != nil {
		h.logger.Error("failed to list agents for status", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	resp := models.StatusResponse{
		Service:   h.appName,
		Agents:    make([]models.AgentSummary, 0, len(trackers)),
		Timestamp: time.Now().UTC(),
	}
	for _, t := range trackers {
		resp.Agents = append(resp.Agents, models.AgentSummary{
			AgentID:            t.AgentID,
			AccountID:          t.AccountID,
			Project:            t.Project,
			Availability:       t.Availability.Status,
			Health:             t.Health.Status,
			ActiveCalls:        t.CurrentLoad.ActiveCalls,
			MaxConcurrentCalls: t.CurrentLoad.MaxConcurrentCalls,
			QueuedCalls:        t.CurrentLoad.QueuedCalls,
			CallsToday:         t.Performance.Today.CompletedCalls,
		})
		resp.TotalActive += t.CurrentLoad.ActiveCalls
		resp.TotalQueued += t.CurrentLoad.QueuedCalls
	}
	resp.Dispatcher = h.dispatcher.Status().Running
	running, _, _ := h.reconciler.Status()
	resp.Reconciler = running

	respondWithJSON(w, http.StatusOK, resp)
}
