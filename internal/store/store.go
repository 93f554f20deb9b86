// Package store persists the engine's three durable collections (call
// records, agent load trackers, and event records) plus the lead slice the
// dispatch loop reads. Two implementations exist: MemoryStore for tests and
// single-node development, PostgresStore for production.
package store

import (
	"context"
	"errors"
	"time"

	"dispatch-engine-go/internal/domain"
)

// Store errors
var (
	ErrCallNotFound       = errors.New("call record not found")
	ErrAgentNotFound      = errors.New("agent tracker not found")
	ErrEventNotFound      = errors.New("event record not found")
	ErrLeadNotFound       = errors.New("lead not found")
	ErrDuplicateExecution = errors.New("call record already exists for execution id")
)

// AgentKey is the unique identity of an agent load tracker.
type AgentKey struct {
	AgentID   string
	AccountID string
	Project   string
}

// Store is the durable backend. Update methods take a mutation closure and
// apply it as an atomic read-modify-write keyed by execution id (calls),
// agent triple (trackers), or event id (events); this is what prevents lost
// updates when two webhook deliveries for the same execution race. A closure
// returning an error aborts the update without persisting anything; the
// error is returned verbatim so callers can branch on domain sentinels.
type Store interface {
	// Call records
	CreateCall(ctx context.Context, rec *domain.CallRecord) error
	GetCall(ctx context.Context, executionID string) (*domain.CallRecord, error)
	UpdateCall(ctx context.Context, executionID string, fn func(*domain.CallRecord) error) (*domain.CallRecord, error)
	// ListStalledCalls returns non-terminal calls whose InitiatedAt (or
	// QueuedAt when never initiated) is before cutoff.
	ListStalledCalls(ctx context.Context, cutoff time.Time) ([]*domain.CallRecord, error)

	// Agent load trackers
	GetOrCreateAgent(ctx context.Context, key AgentKey, create func() *domain.AgentLoadTracker) (*domain.AgentLoadTracker, error)
	GetAgent(ctx context.Context, key AgentKey) (*domain.AgentLoadTracker, error)
	UpdateAgent(ctx context.Context, key AgentKey, fn func(*domain.AgentLoadTracker) error) (*domain.AgentLoadTracker, error)
	// ListAgents filters by owning account and project; empty strings match all.
	ListAgents(ctx context.Context, accountID, project string) ([]*domain.AgentLoadTracker, error)

	// Event records
	CreateEvent(ctx context.Context, ev *domain.EventRecord) error
	GetEvent(ctx context.Context, id string) (*domain.EventRecord, error)
	UpdateEvent(ctx context.Context, id string, fn func(*domain.EventRecord) error) (*domain.EventRecord, error)
	// ListRetryableEvents returns pending/failed events with attempts below
	// their cap, oldest first.
	ListRetryableEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error)
	// ListExhaustedEvents returns permanently failed events, oldest first.
	// These are never auto-resolved; they exist to be seen.
	ListExhaustedEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error)

	// Leads
	CreateLead(ctx context.Context, lead *domain.Lead) error
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	// ListPendingLeads returns non-deleted leads awaiting a call, in
	// insertion order.
	ListPendingLeads(ctx context.Context) ([]*domain.Lead, error)
	UpdateLeadCallStatus(ctx context.Context, id, callStatus string) error

	Ping(ctx context.Context) error
	Close()
}
