package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/models"
	"dispatch-engine-go/internal/store"
)

const defaultFailedEventsLimit = 50

// EventsHandler exposes events that exhausted their retries
type EventsHandler struct {
	store  store.Store
	logger *zap.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(st store.Store, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		store:  st,
		logger: logger,
	}
}

// HandleFailed handles GET /api/v1/events/failed. These events are never
// auto-resolved; the raw payloads are kept so an operator can replay them.
func (h *EventsHandler) HandleFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	evs, err := h.store.ListExhaustedEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list exhausted events", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondWithJSON(w, http.StatusOK, models.FailedEventsResponse{
		Count:  len(evs),
		Events: evs,
	})
}
