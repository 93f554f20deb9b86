package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/models"
	"dispatch-engine-go/internal/store"
)

// AgentsHandler serves per-agent load tracker state and operator overrides
type AgentsHandler struct {
	store                store.Store
	defaultMaxConcurrent int
	logger               *zap.Logger
}

// NewAgentsHandler creates a new agents handler. defaultMaxConcurrent is the
// concurrency cap for trackers registered without an explicit one.
func NewAgentsHandler(st store.Store, defaultMaxConcurrent int, logger *zap.Logger) *AgentsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMaxConcurrent <= 0 {
		defaultMaxConcurrent = 3
	}
	return &AgentsHandler{
		store:                st,
		defaultMaxConcurrent: defaultMaxConcurrent,
		logger:               logger,
	}
}

// HandleRegister handles POST /api/v1/agents. A load tracker is created the
// first time an agent/account/project triple is registered; registering the
// same triple again returns the existing tracker untouched, so callers can
// re-register on startup without resetting load state.
func (h *AgentsHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterAgentRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		respondWithError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	maxConcurrent := req.MaxConcurrentCalls
	if maxConcurrent <= 0 {
		maxConcurrent = h.defaultMaxConcurrent
	}

	key := store.AgentKey{AgentID: req.AgentID, AccountID: req.AccountID, Project: req.Project}
	tracker, err := h.store.GetOrCreateAgent(r.Context(), key, func() *domain.AgentLoadTracker {
		return domain.NewAgentLoadTracker(req.AgentID, req.AccountID, req.Project, maxConcurrent)
	})
	if err != nil {
		h.logger.Error("failed to register agent tracker", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	h.logger.Info("agent tracker registered",
		zap.String("agent_id", key.AgentID),
		zap.String("account_id", key.AccountID),
		zap.String("project", key.Project))
	respondWithJSON(w, http.StatusOK, tracker)
}

// HandleGet handles GET /api/v1/agents/{agent_id}. Account and project come
// from query parameters since the tracker key is the full triple.
func (h *AgentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := store.AgentKey{
		AgentID:   chi.URLParam(r, "agent_id"),
		AccountID: r.URL.Query().Get("account_id"),
		Project:   r.URL.Query().Get("project"),
	}
	tracker, err := h.store.GetAgent(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			respondWithError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to load agent tracker", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	respondWithJSON(w, http.StatusOK, tracker)
}

// HandleAvailability handles POST /api/v1/agents/{agent_id}/availability.
// Operator overrides never touch active calls: setting an agent offline
// stops new assignments while in-flight calls finish normally.
func (h *AgentsHandler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	var req models.AvailabilityRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := domain.AvailabilityStatus(req.Status)
	if !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "invalid availability status")
		return
	}

	key := store.AgentKey{
		AgentID:   chi.URLParam(r, "agent_id"),
		AccountID: r.URL.Query().Get("account_id"),
		Project:   r.URL.Query().Get("project"),
	}
	tracker, err := h.store.UpdateAgent(r.Context(), key, func(t *domain.AgentLoadTracker) error {
		t.SetAvailability(status)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			respondWithError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to update agent availability", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}

	h.logger.Info("agent availability overridden",
		zap.String("agent_id", key.AgentID),
		zap.String("status", req.Status),
		zap.String("reason", req.Reason))
	respondWithJSON(w, http.StatusOK, tracker)
}
