package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-engine-go/internal/domain"
)

func newCall(t *testing.T, executionID string) *domain.CallRecord {
	t.Helper()
	rec, err := domain.NewCallRecord(executionID, "call-"+executionID, "lead-1", "agent-1", "acct-1", "proj-1", "+15550001234")
	require.NoError(t, err)
	return rec
}

func TestMemoryStoreCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("create get roundtrip", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateCall(ctx, newCall(t, "e1")))

		got, err := s.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "e1", got.ExecutionID)
		assert.Equal(t, domain.CallQueued, got.CallStatus)
	})

	t.Run("duplicate execution rejected", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateCall(ctx, newCall(t, "e1")))
		assert.ErrorIs(t, s.CreateCall(ctx, newCall(t, "e1")), ErrDuplicateExecution)
	})

	t.Run("missing call", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.GetCall(ctx, "nope")
		assert.ErrorIs(t, err, ErrCallNotFound)
	})

	t.Run("update applies closure atomically", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateCall(ctx, newCall(t, "e1")))

		got, err := s.UpdateCall(ctx, "e1", func(c *domain.CallRecord) error {
			return c.Advance(domain.CallRinging, domain.TransitionDetails{})
		})
		require.NoError(t, err)
		assert.Equal(t, domain.CallRinging, got.CallStatus)

		stored, err := s.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallRinging, stored.CallStatus)
	})

	t.Run("failed closure leaves record untouched", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateCall(ctx, newCall(t, "e1")))
		_, err := s.UpdateCall(ctx, "e1", func(c *domain.CallRecord) error {
			c.CallStatus = domain.CallCompleted
			return assert.AnError
		})
		require.Error(t, err)

		stored, err := s.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallQueued, stored.CallStatus)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateCall(ctx, newCall(t, "e1")))

		got, err := s.GetCall(ctx, "e1")
		require.NoError(t, err)
		got.CallStatus = domain.CallFailed

		stored, err := s.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallQueued, stored.CallStatus)
	})
}

func TestMemoryStoreStalledCalls(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := newCall(t, "old")
	old.Timing.QueuedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.CreateCall(ctx, old))

	fresh := newCall(t, "fresh")
	require.NoError(t, s.CreateCall(ctx, fresh))

	done := newCall(t, "done")
	done.Timing.QueuedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, done.Advance(domain.CallCompleted, domain.TransitionDetails{}))
	require.NoError(t, s.CreateCall(ctx, done))

	stalled, err := s.ListStalledCalls(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "old", stalled[0].ExecutionID)
}

func TestMemoryStoreAgents(t *testing.T) {
	ctx := context.Background()
	key := AgentKey{AgentID: "agent-1", AccountID: "acct-1", Project: "proj-1"}

	t.Run("get or create", func(t *testing.T) {
		s := NewMemoryStore()
		created, err := s.GetOrCreateAgent(ctx, key, func() *domain.AgentLoadTracker {
			return domain.NewAgentLoadTracker(key.AgentID, key.AccountID, key.Project, 3)
		})
		require.NoError(t, err)
		assert.Equal(t, 3, created.CurrentLoad.MaxConcurrentCalls)

		// Second call returns the stored tracker, not a fresh one.
		again, err := s.GetOrCreateAgent(ctx, key, func() *domain.AgentLoadTracker {
			return domain.NewAgentLoadTracker(key.AgentID, key.AccountID, key.Project, 9)
		})
		require.NoError(t, err)
		assert.Equal(t, 3, again.CurrentLoad.MaxConcurrentCalls)
	})

	t.Run("update missing agent", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.UpdateAgent(ctx, key, func(tr *domain.AgentLoadTracker) error { return nil })
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("list filters by account and project", func(t *testing.T) {
		s := NewMemoryStore()
		for _, k := range []AgentKey{
			{AgentID: "a1", AccountID: "acct-1", Project: "proj-1"},
			{AgentID: "a2", AccountID: "acct-1", Project: "proj-2"},
			{AgentID: "a3", AccountID: "acct-2", Project: "proj-1"},
		} {
			k := k
			_, err := s.GetOrCreateAgent(ctx, k, func() *domain.AgentLoadTracker {
				return domain.NewAgentLoadTracker(k.AgentID, k.AccountID, k.Project, 3)
			})
			require.NoError(t, err)
		}

		all, err := s.ListAgents(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		acct1, err := s.ListAgents(ctx, "acct-1", "")
		require.NoError(t, err)
		assert.Len(t, acct1, 2)

		scoped, err := s.ListAgents(ctx, "acct-1", "proj-2")
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, "a2", scoped[0].AgentID)
	})
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()

	newEvent := func(id string, maxAttempts int) *domain.EventRecord {
		ev := domain.NewEventRecord("exec-"+id, domain.EventCallCompleted, nil, domain.ProcessedData{}, maxAttempts)
		return ev
	}

	t.Run("retryable excludes completed and exhausted", func(t *testing.T) {
		s := NewMemoryStore()

		pending := newEvent("p", 3)
		require.NoError(t, s.CreateEvent(ctx, pending))

		completed := newEvent("c", 3)
		completed.MarkProcessing()
		completed.MarkCompleted()
		require.NoError(t, s.CreateEvent(ctx, completed))

		exhausted := newEvent("x", 1)
		exhausted.MarkProcessing()
		exhausted.MarkFailed("boom")
		require.NoError(t, s.CreateEvent(ctx, exhausted))

		retryable, err := s.ListRetryableEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, retryable, 1)
		assert.Equal(t, pending.ID, retryable[0].ID)

		dead, err := s.ListExhaustedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, exhausted.ID, dead[0].ID)
	})

	t.Run("list respects limit and order", func(t *testing.T) {
		s := NewMemoryStore()
		var ids []string
		for i := 0; i < 5; i++ {
			ev := newEvent(string(rune('a'+i)), 3)
			require.NoError(t, s.CreateEvent(ctx, ev))
			ids = append(ids, ev.ID)
		}

		got, err := s.ListRetryableEvents(ctx, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range got {
			assert.Equal(t, ids[i], got[i].ID)
		}
	})
}

func TestMemoryStoreLeads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	leads := []*domain.Lead{
		{ID: "l1", AccountID: "acct-1", Project: "proj-1", ContactNumber: "+1", CallStatus: domain.LeadCallPending},
		{ID: "l2", AccountID: "acct-1", Project: "proj-1", ContactNumber: "+2", CallStatus: domain.LeadCallPending, Deleted: true},
		{ID: "l3", AccountID: "acct-1", Project: "proj-1", ContactNumber: "+3", CallStatus: domain.LeadCallCompleted},
		{ID: "l4", AccountID: "acct-1", Project: "proj-1", ContactNumber: "+4", CallStatus: domain.LeadCallPending},
	}
	for _, l := range leads {
		require.NoError(t, s.CreateLead(ctx, l))
	}

	pending, err := s.ListPendingLeads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "l1", pending[0].ID)
	assert.Equal(t, "l4", pending[1].ID)

	require.NoError(t, s.UpdateLeadCallStatus(ctx, "l1", domain.LeadCallDialing))
	pending, err = s.ListPendingLeads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l4", pending[0].ID)

	assert.ErrorIs(t, s.UpdateLeadCallStatus(ctx, "ghost", domain.LeadCallDialing), ErrLeadNotFound)
}
