package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-engine-go/internal/dispatcher"
	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/models"
	"dispatch-engine-go/internal/provider"
	"dispatch-engine-go/internal/reconciler"
	"dispatch-engine-go/internal/store"
)

type stubInitiator struct{}

func (stubInitiator) InitiateCall(ctx context.Context, req provider.InitiateCallRequest) (*provider.InitiateCallResult, error) {
	return &provider.InitiateCallResult{Success: true, ExecutionID: "exec-stub"}, nil
}

type env struct {
	store *store.MemoryStore
	proc  *events.Processor
	disp  *dispatcher.Dispatcher
	rec   *reconciler.Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	return &env{
		store: st,
		proc:  events.NewProcessor(st, nil, 3, 30*time.Second, nil),
		disp:  dispatcher.New(st, stubInitiator{}, nil, time.Hour, 3, time.Hour, "test", nil),
		rec:   reconciler.New(st, "0 */2 * * *", time.Hour, nil),
	}
}

func (e *env) seedAgent(t *testing.T) store.AgentKey {
	t.Helper()
	key := store.AgentKey{AgentID: "agent-1", AccountID: "acct-1", Project: "proj-1"}
	_, err := e.store.GetOrCreateAgent(context.Background(), key, func() *domain.AgentLoadTracker {
		return domain.NewAgentLoadTracker(key.AgentID, key.AccountID, key.Project, 3)
	})
	require.NoError(t, err)
	return key
}

func TestWebhookHandler(t *testing.T) {
	t.Run("acks valid payload", func(t *testing.T) {
		e := newEnv(t)
		h := NewWebhookHandler(e.proc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events",
			strings.NewReader(`{"execution_id":"e1","event_type":"call-ringing"}`))
		w := httptest.NewRecorder()
		h.Handle(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var ack models.WebhookAck
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
		assert.True(t, ack.Received)
		assert.NotEmpty(t, ack.EventID)

		ev, err := e.store.GetEvent(context.Background(), ack.EventID)
		require.NoError(t, err)
		assert.Equal(t, "e1", ev.ExecutionID)
	})

	t.Run("rejects payload without execution id", func(t *testing.T) {
		e := newEnv(t)
		h := NewWebhookHandler(e.proc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events",
			strings.NewReader(`{"event_type":"call-ringing"}`))
		w := httptest.NewRecorder()
		h.Handle(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		e := newEnv(t)
		h := NewWebhookHandler(e.proc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events",
			strings.NewReader(`{broken`))
		w := httptest.NewRecorder()
		h.Handle(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDispatchHandler(t *testing.T) {
	e := newEnv(t)
	h := NewDispatchHandler(e.disp, nil)

	t.Run("status before start", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/status", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp models.DispatchStatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Running)
	})

	t.Run("start then redundant start", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleStart(w, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/start", nil))
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		h.HandleStart(w, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/start", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.DispatchStatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Running)
	})

	t.Run("stop", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/stop", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.DispatchStatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Running)
	})
}

func TestAgentsHandler(t *testing.T) {
	router := func(e *env) chi.Router {
		h := NewAgentsHandler(e.store, 3, nil)
		r := chi.NewRouter()
		r.Post("/agents", h.HandleRegister)
		r.Get("/agents/{agent_id}", h.HandleGet)
		r.Post("/agents/{agent_id}/availability", h.HandleAvailability)
		return r
	}

	t.Run("register creates tracker with default cap", func(t *testing.T) {
		e := newEnv(t)

		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/agents",
			strings.NewReader(`{"agent_id":"agent-9","account_id":"acct-1","project":"proj-1"}`)))
		require.Equal(t, http.StatusOK, w.Code)

		key := store.AgentKey{AgentID: "agent-9", AccountID: "acct-1", Project: "proj-1"}
		tr, err := e.store.GetAgent(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 3, tr.CurrentLoad.MaxConcurrentCalls)
	})

	t.Run("register again keeps existing tracker", func(t *testing.T) {
		e := newEnv(t)
		key := e.seedAgent(t)

		_, err := e.store.UpdateAgent(context.Background(), key, func(tr *domain.AgentLoadTracker) error {
			return tr.AddActiveCall(domain.ActiveCall{ExecutionID: "e1"})
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/agents",
			strings.NewReader(`{"agent_id":"agent-1","account_id":"acct-1","project":"proj-1","max_concurrent_calls":10}`)))
		require.Equal(t, http.StatusOK, w.Code)

		tr, err := e.store.GetAgent(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 1, tr.CurrentLoad.ActiveCalls)
		assert.Equal(t, 3, tr.CurrentLoad.MaxConcurrentCalls)
	})

	t.Run("register without agent id rejected", func(t *testing.T) {
		e := newEnv(t)
		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/agents",
			strings.NewReader(`{"account_id":"acct-1"}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get returns tracker", func(t *testing.T) {
		e := newEnv(t)
		e.seedAgent(t)

		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/agents/agent-1?account_id=acct-1&project=proj-1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var tr domain.AgentLoadTracker
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tr))
		assert.Equal(t, "agent-1", tr.AgentID)
		assert.Equal(t, 3, tr.CurrentLoad.MaxConcurrentCalls)
	})

	t.Run("unknown agent is 404", func(t *testing.T) {
		e := newEnv(t)
		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/agents/ghost?account_id=acct-1&project=proj-1", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("availability override", func(t *testing.T) {
		e := newEnv(t)
		key := e.seedAgent(t)

		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodPost,
			"/agents/agent-1/availability?account_id=acct-1&project=proj-1",
			strings.NewReader(`{"status":"maintenance","reason":"tuning prompts"}`)))

		require.Equal(t, http.StatusOK, w.Code)
		tr, err := e.store.GetAgent(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, domain.AgentMaintenance, tr.Availability.Status)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		e := newEnv(t)
		e.seedAgent(t)

		w := httptest.NewRecorder()
		router(e).ServeHTTP(w, httptest.NewRequest(http.MethodPost,
			"/agents/agent-1/availability?account_id=acct-1&project=proj-1",
			strings.NewReader(`{"status":"on-holiday"}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStatusHandler(t *testing.T) {
	e := newEnv(t)
	e.seedAgent(t)
	h := NewStatusHandler(e.store, e.disp, e.rec, "dispatch-engine", nil)

	w := httptest.NewRecorder()
	h.Handle(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dispatch-engine", resp.Service)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "agent-1", resp.Agents[0].AgentID)
	assert.False(t, resp.Dispatcher)
}

func TestEventsHandlerFailed(t *testing.T) {
	e := newEnv(t)
	h := NewEventsHandler(e.store, nil)

	dead := domain.NewEventRecord("e1", domain.EventCallCompleted, nil, domain.ProcessedData{}, 1)
	dead.MarkProcessing()
	dead.MarkFailed("no call record")
	require.NoError(t, e.store.CreateEvent(context.Background(), dead))

	alive := domain.NewEventRecord("e2", domain.EventCallCompleted, nil, domain.ProcessedData{}, 3)
	require.NoError(t, e.store.CreateEvent(context.Background(), alive))

	w := httptest.NewRecorder()
	h.HandleFailed(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/failed", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.FailedEventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, dead.ID, resp.Events[0].ID)

	t.Run("invalid limit rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleFailed(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/failed?limit=zero", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealthHandlers(t *testing.T) {
	e := newEnv(t)
	h := NewHealthHandler(e.store, e.rec, nil)

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReconcileHandler(t *testing.T) {
	e := newEnv(t)
	h := NewReconcileHandler(e.rec, nil)

	w := httptest.NewRecorder()
	h.HandleRun(w, httptest.NewRequest(http.MethodPost, "/api/v1/reconcile/run", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ReconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Scanned)
}
