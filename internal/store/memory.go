package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatch-engine-go/internal/domain"
)

// MemoryStore is the in-memory Store used by tests and single-node
// development. Closure updates run under the store lock, which gives the
// same read-modify-write atomicity the Postgres implementation gets from
// row locks.
type MemoryStore struct {
	mu     sync.RWMutex
	calls  map[string]*domain.CallRecord
	agents map[AgentKey]*domain.AgentLoadTracker
	events map[string]*domain.EventRecord
	leads  map[string]*domain.Lead
	// leadOrder preserves insertion order for ListPendingLeads.
	leadOrder []string
	// eventOrder preserves receipt order for the retry sweep.
	eventOrder []string
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  make(map[string]*domain.CallRecord),
		agents: make(map[AgentKey]*domain.AgentLoadTracker),
		events: make(map[string]*domain.EventRecord),
		leads:  make(map[string]*domain.Lead),
	}
}

// clone deep-copies a document via JSON so callers never share slices or
// maps with the stored copy.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return out
}

// --- Call records ---

func (s *MemoryStore) CreateCall(ctx context.Context, rec *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ExecutionID]; ok {
		return ErrDuplicateExecution
	}
	s.calls[rec.ExecutionID] = clone(rec)
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, executionID string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[executionID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) UpdateCall(ctx context.Context, executionID string, fn func(*domain.CallRecord) error) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[executionID]
	if !ok {
		return nil, ErrCallNotFound
	}
	working := clone(rec)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.calls[executionID] = working
	return clone(working), nil
}

func (s *MemoryStore) ListStalledCalls(ctx context.Context, cutoff time.Time) ([]*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CallRecord
	for _, rec := range s.calls {
		if rec.CallStatus.Terminal() {
			continue
		}
		ref := rec.Timing.QueuedAt
		if rec.Timing.InitiatedAt != nil {
			ref = *rec.Timing.InitiatedAt
		}
		if ref.Before(cutoff) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.QueuedAt.Before(out[j].Timing.QueuedAt)
	})
	return out, nil
}

// --- Agent load trackers ---

func (s *MemoryStore) GetOrCreateAgent(ctx context.Context, key AgentKey, create func() *domain.AgentLoadTracker) (*domain.AgentLoadTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.agents[key]; ok {
		return clone(t), nil
	}
	t := create()
	s.agents[key] = clone(t)
	return clone(t), nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, key AgentKey) (*domain.AgentLoadTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.agents[key]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, key AgentKey, fn func(*domain.AgentLoadTracker) error) (*domain.AgentLoadTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.agents[key]
	if !ok {
		return nil, ErrAgentNotFound
	}
	working := clone(t)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.agents[key] = working
	return clone(working), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, accountID, project string) ([]*domain.AgentLoadTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AgentLoadTracker
	for key, t := range s.agents {
		if accountID != "" && key.AccountID != accountID {
			continue
		}
		if project != "" && key.Project != project {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// --- Event records ---

func (s *MemoryStore) CreateEvent(ctx context.Context, ev *domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = clone(ev)
	s.eventOrder = append(s.eventOrder, ev.ID)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return clone(ev), nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, id string, fn func(*domain.EventRecord) error) (*domain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	working := clone(ev)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.events[id] = working
	return clone(working), nil
}

func (s *MemoryStore) ListRetryableEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EventRecord
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.CanRetry() {
			out = append(out, clone(ev))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExhaustedEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EventRecord
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.Exhausted() {
			out = append(out, clone(ev))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Leads ---

func (s *MemoryStore) CreateLead(ctx context.Context, lead *domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[lead.ID]; !ok {
		s.leadOrder = append(s.leadOrder, lead.ID)
	}
	s.leads[lead.ID] = clone(lead)
	return nil
}

func (s *MemoryStore) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	return clone(lead), nil
}

func (s *MemoryStore) ListPendingLeads(ctx context.Context) ([]*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Lead
	for _, id := range s.leadOrder {
		lead := s.leads[id]
		if lead.Deleted || lead.CallStatus != domain.LeadCallPending {
			continue
		}
		out = append(out, clone(lead))
	}
	return out, nil
}

func (s *MemoryStore) UpdateLeadCallStatus(ctx context.Context, id, callStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	lead.CallStatus = callStatus
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
