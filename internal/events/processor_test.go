package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/store"
)

type fixture struct {
	store *store.MemoryStore
	proc  *Processor
	key   store.AgentKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	return &fixture{
		store: st,
		proc:  NewProcessor(st, nil, 3, 30*time.Second, nil),
		key:   store.AgentKey{AgentID: "agent-1", AccountID: "acct-1", Project: "proj-1"},
	}
}

// seedCall creates a call record with its slot claimed on the agent tracker,
// the state a dispatched call is in when webhooks start arriving.
func (f *fixture) seedCall(t *testing.T, executionID string) {
	t.Helper()
	ctx := context.Background()

	rec, err := domain.NewCallRecord(executionID, "call-"+executionID, "lead-1", f.key.AgentID, f.key.AccountID, f.key.Project, "+15550001234")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateCall(ctx, rec))

	_, err = f.store.GetOrCreateAgent(ctx, f.key, func() *domain.AgentLoadTracker {
		return domain.NewAgentLoadTracker(f.key.AgentID, f.key.AccountID, f.key.Project, 3)
	})
	require.NoError(t, err)
	_, err = f.store.UpdateAgent(ctx, f.key, func(tr *domain.AgentLoadTracker) error {
		return tr.AddActiveCall(domain.ActiveCall{ExecutionID: executionID, LeadID: "lead-1"})
	})
	require.NoError(t, err)

	require.NoError(t, f.store.CreateLead(ctx, &domain.Lead{
		ID: "lead-1", AccountID: f.key.AccountID, Project: f.key.Project,
		ContactNumber: "+15550001234", CallStatus: domain.LeadCallDialing,
	}))
}

func payload(executionID string, eventType domain.EventType, extra string) json.RawMessage {
	if extra != "" {
		extra = "," + extra
	}
	return json.RawMessage(fmt.Sprintf(
		`{"execution_id":%q,"event_type":%q,"timestamp":"2026-05-01T12:00:00Z"%s}`,
		executionID, eventType, extra))
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("stores event with raw payload", func(t *testing.T) {
		f := newFixture(t)
		raw := payload("e1", domain.EventCallRinging, "")

		ev, err := f.proc.Ingest(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, "e1", ev.ExecutionID)
		assert.Equal(t, domain.ProcessingPending, ev.Processing.Status)
		assert.JSONEq(t, string(raw), string(ev.RawPayload))
	})

	t.Run("duplicate payloads both stored", func(t *testing.T) {
		f := newFixture(t)
		raw := payload("e1", domain.EventCallCompleted, "")

		ev1, err := f.proc.Ingest(ctx, raw)
		require.NoError(t, err)
		ev2, err := f.proc.Ingest(ctx, raw)
		require.NoError(t, err)
		assert.NotEqual(t, ev1.ID, ev2.ID)
	})

	t.Run("rejects missing execution id", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.proc.Ingest(ctx, json.RawMessage(`{"event_type":"call-ringing"}`))
		assert.ErrorIs(t, err, ErrMissingExecutionID)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.proc.Ingest(ctx, json.RawMessage(`{not json`))
		assert.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("unknown event type is still stored", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventType("call-teleported"), ""))
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingPending, ev.Processing.Status)
	})
}

func TestProcessLifecycleEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("ringing advances the call", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallRinging, ""))
		require.NoError(t, err)

		require.NoError(t, f.proc.Process(ctx, ev.ID))

		rec, err := f.store.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallRinging, rec.CallStatus)
		require.NotNil(t, rec.Timing.InitiatedAt)

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingCompleted, stored.Processing.Status)
		assert.Equal(t, 1, stored.Processing.Attempts)
		assert.True(t, stored.HasAction(domain.ActionCallLogUpdated))
	})

	t.Run("completion frees slot and records performance", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted,
			`"data":{"cost":1.5,"customer_interested":true,"hangup_by":"customer"}`))
		require.NoError(t, err)

		require.NoError(t, f.proc.Process(ctx, ev.ID))

		rec, err := f.store.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallCompleted, rec.CallStatus)
		assert.Equal(t, 1.5, rec.Cost.Total)
		require.NotNil(t, rec.Outcome.CustomerInterested)
		assert.True(t, *rec.Outcome.CustomerInterested)

		tr, err := f.store.GetAgent(ctx, f.key)
		require.NoError(t, err)
		assert.Equal(t, 0, tr.CurrentLoad.ActiveCalls)
		assert.Equal(t, 1, tr.Performance.Today.CompletedCalls)
		assert.Equal(t, 1, tr.Performance.AllTime.SuccessfulCalls)

		lead, err := f.store.GetLead(ctx, "lead-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LeadCallCompleted, lead.CallStatus)

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, stored.HasAction(domain.ActionAgentLoadUpdated))
		assert.True(t, stored.HasAction(domain.ActionCompletionRecorded))
		assert.True(t, stored.HasAction(domain.ActionLeadStatusUpdated))
	})

	t.Run("failure marks lead failed and not successful", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallNoAnswer, ""))
		require.NoError(t, err)

		require.NoError(t, f.proc.Process(ctx, ev.ID))

		tr, err := f.store.GetAgent(ctx, f.key)
		require.NoError(t, err)
		assert.Equal(t, 1, tr.Performance.Today.CompletedCalls)
		assert.Equal(t, 0, tr.Performance.Today.SuccessfulCalls)

		lead, err := f.store.GetLead(ctx, "lead-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LeadCallFailed, lead.CallStatus)
	})
}

func TestProcessIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate terminal webhook counts the completion once", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")

		ev1, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)
		ev2, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)

		require.NoError(t, f.proc.Process(ctx, ev1.ID))
		require.NoError(t, f.proc.Process(ctx, ev2.ID))

		tr, err := f.store.GetAgent(ctx, f.key)
		require.NoError(t, err)
		assert.Equal(t, 1, tr.Performance.Today.CompletedCalls)
		assert.Equal(t, 0, tr.CurrentLoad.ActiveCalls)

		// Both events completed, the duplicate with no side effects.
		stored2, err := f.store.GetEvent(ctx, ev2.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingCompleted, stored2.Processing.Status)
		assert.Empty(t, stored2.Processing.ActionsPerformed)
	})

	t.Run("reprocessing a completed event is a no-op", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)

		require.NoError(t, f.proc.Process(ctx, ev.ID))
		require.NoError(t, f.proc.Process(ctx, ev.ID))

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Processing.Attempts)
	})

	t.Run("late lifecycle event after completion is a no-op success", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")

		done, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)
		require.NoError(t, f.proc.Process(ctx, done.ID))

		late, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallRinging, ""))
		require.NoError(t, err)
		require.NoError(t, f.proc.Process(ctx, late.ID))

		rec, err := f.store.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallCompleted, rec.CallStatus)

		stored, err := f.store.GetEvent(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingCompleted, stored.Processing.Status)
	})
}

func TestProcessFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing call record fails the event", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.proc.Ingest(ctx, payload("ghost", domain.EventCallCompleted, ""))
		require.NoError(t, err)

		require.Error(t, f.proc.Process(ctx, ev.ID))

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingFailed, stored.Processing.Status)
		assert.Equal(t, 1, stored.Processing.Attempts)
		require.Len(t, stored.Processing.Errors, 1)
	})

	t.Run("unknown event type fails the event", func(t *testing.T) {
		f := newFixture(t)
		f.seedCall(t, "e1")
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventType("call-teleported"), ""))
		require.NoError(t, err)

		require.Error(t, f.proc.Process(ctx, ev.ID))

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingFailed, stored.Processing.Status)
	})

	t.Run("exhausted event refuses further processing", func(t *testing.T) {
		f := newFixture(t)
		proc := NewProcessor(f.store, nil, 2, 30*time.Second, nil)
		ev, err := proc.Ingest(ctx, payload("ghost", domain.EventCallCompleted, ""))
		require.NoError(t, err)

		require.Error(t, proc.Process(ctx, ev.ID))
		require.Error(t, proc.Process(ctx, ev.ID))

		err = proc.Process(ctx, ev.ID)
		assert.ErrorIs(t, err, domain.ErrEventExhausted)

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Processing.Attempts)
	})
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	t.Run("retries due failed events", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)

		// First attempt fails: no call record yet.
		require.Error(t, f.proc.Process(ctx, ev.ID))

		// The call record shows up before the sweep.
		f.seedCall(t, "e1")

		// Zero backoff makes the event immediately due.
		sw := NewSweeper(f.store, f.proc, RetryPolicy{BaseDelay: 0, MaxDelay: 0}, time.Minute, 10, nil)
		sw.Sweep(ctx)

		rec, err := f.store.GetCall(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallCompleted, rec.CallStatus)

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingCompleted, stored.Processing.Status)
		assert.Equal(t, 2, stored.Processing.Attempts)
	})

	t.Run("respects backoff gate", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.proc.Ingest(ctx, payload("e1", domain.EventCallCompleted, ""))
		require.NoError(t, err)
		require.Error(t, f.proc.Process(ctx, ev.ID))
		f.seedCall(t, "e1")

		sw := NewSweeper(f.store, f.proc, RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour}, time.Minute, 10, nil)
		sw.Sweep(ctx)

		stored, err := f.store.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingFailed, stored.Processing.Status)
		assert.Equal(t, 1, stored.Processing.Attempts)
	})

	t.Run("start and stop are safe to repeat", func(t *testing.T) {
		f := newFixture(t)
		sw := NewSweeper(f.store, f.proc, DefaultRetryPolicy(), time.Hour, 10, nil)

		sw.Start(ctx)
		sw.Start(ctx)
		sw.Stop()
		sw.Stop()
	})
}
