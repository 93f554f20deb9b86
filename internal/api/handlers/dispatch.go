package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/dispatcher"
	"dispatch-engine-go/internal/models"
)

// DispatchHandler controls the dispatch loop
type DispatchHandler struct {
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// NewDispatchHandler creates a new dispatch control handler
func NewDispatchHandler(d *dispatcher.Dispatcher, logger *zap.Logger) *DispatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchHandler{
		dispatcher: d,
		logger:     logger,
	}
}

// HandleStart handles POST /api/v1/dispatch/start. Starting an already
// running dispatcher reports the current state with 200 rather than failing.
func (h *DispatchHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Start(r.Context()); err != nil {
		if errors.Is(err, dispatcher.ErrAlreadyRunning) {
			respondWithJSON(w, http.StatusOK, h.statusResponse())
			return
		}
		h.logger.Error("failed to start dispatcher", zap.Error(err))
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, h.statusResponse())
}

// HandleStop handles POST /api/v1/dispatch/stop
func (h *DispatchHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Stop(); err != nil && !errors.Is(err, dispatcher.ErrNotRunning) {
		h.logger.Error("failed to stop dispatcher", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to stop dispatcher")
		return
	}
	respondWithJSON(w, http.StatusOK, h.statusResponse())
}

// HandleStatus handles GET /api/v1/dispatch/status
func (h *DispatchHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.statusResponse())
}

func (h *DispatchHandler) statusResponse() models.DispatchStatusResponse {
	s := h.dispatcher.Status()
	return models.DispatchStatusResponse{
		Running:    s.Running,
		Interval:   s.Interval,
		LastRunAt:  s.LastRunAt,
		LastBatch:  s.LastBatch,
		TotalRuns:  s.TotalRuns,
		TotalCalls: s.TotalCalls,
	}
}
