// Package reconciler is the safety net for lost webhooks. On a cron
// schedule it finds calls that have been non-terminal past the stall
// timeout, forces them to failed, and frees the agent slot the lost
// callback would have released.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dispatch-engine-go/internal/api/middleware"
	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/store"
)

const stallReason = "stalled-no-callback"

// Result summarizes one reconciliation sweep.
type Result struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// Reconciler schedules and runs stalled-call sweeps.
type Reconciler struct {
	store        store.Store
	logger       *zap.Logger
	schedule     string
	stallTimeout time.Duration

	cron    *cron.Cron
	entryID cron.EntryID

	mu        sync.Mutex
	running   bool
	lastRunAt *time.Time
	lastRes   Result
}

// New creates a reconciler with a cron schedule (standard five-field syntax)
// and the stall timeout after which a silent call is declared dead.
func New(st store.Store, schedule string, stallTimeout time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stallTimeout <= 0 {
		stallTimeout = time.Hour
	}
	return &Reconciler{
		store:        st,
		logger:       logger,
		schedule:     schedule,
		stallTimeout: stallTimeout,
	}
}

// Start registers the sweep on the cron schedule. Starting twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(r.schedule, func() {
		res := r.Sweep(ctx)
		now := time.Now().UTC()
		r.mu.Lock()
		r.lastRunAt = &now
		r.lastRes = res
		r.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	r.entryID = id
	r.running = true
	c.Start()

	r.logger.Info("reconciler started",
		zap.String("schedule", r.schedule),
		zap.Duration("stall_timeout", r.stallTimeout))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	c := r.cron
	r.mu.Unlock()

	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// Status reports the last sweep outcome.
func (r *Reconciler) Status() (running bool, lastRunAt *time.Time, last Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, r.lastRunAt, r.lastRes
}

// RunNow triggers one sweep outside the schedule.
func (r *Reconciler) RunNow(ctx context.Context) Result {
	res := r.Sweep(ctx)
	now := time.Now().UTC()
	r.mu.Lock()
	r.lastRunAt = &now
	r.lastRes = res
	r.mu.Unlock()
	return res
}

// Sweep forces every stalled call to failed and releases its agent slot.
// A call that completed between listing and update is skipped: the state
// machine rejects the transition and the slot was already freed by the
// event processor, so nothing is double-released.
func (r *Reconciler) Sweep(ctx context.Context) Result {
	cutoff := time.Now().UTC().Add(-r.stallTimeout)
	stalled, err := r.store.ListStalledCalls(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list stalled calls", zap.Error(err))
		return Result{Errors: 1}
	}

	res := Result{Scanned: len(stalled)}
	for _, rec := range stalled {
		if ctx.Err() != nil {
			return res
		}
		if err := r.recover(ctx, rec.ExecutionID); err != nil {
			if errors.Is(err, domain.ErrTerminalState) {
				// Webhook won the race; nothing to do.
				continue
			}
			res.Errors++
			r.logger.Error("failed to recover stalled call",
				zap.String("execution_id", rec.ExecutionID),
				zap.Error(err))
			continue
		}
		res.Recovered++
		middleware.StalledCallsRecoveredTotal.Inc()
	}

	if res.Scanned > 0 {
		r.logger.Info("reconciliation sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("recovered", res.Recovered),
			zap.Int("errors", res.Errors))
	}
	return res
}

func (r *Reconciler) recover(ctx context.Context, executionID string) error {
	rec, err := r.store.UpdateCall(ctx, executionID, func(c *domain.CallRecord) error {
		return c.Advance(domain.CallFailed, domain.TransitionDetails{Reason: stallReason})
	})
	if err != nil {
		return err
	}

	key := store.AgentKey{AgentID: rec.AgentID, AccountID: rec.AccountID, Project: rec.Project}
	_, err = r.store.UpdateAgent(ctx, key, func(t *domain.AgentLoadTracker) error {
		if t.RemoveActiveCall(executionID) {
			middleware.ActiveCalls.Dec()
		}
		// The lost callback would have recorded this completion. Runs at
		// most once per call: the Advance above already rejected calls a
		// previous sweep or a late webhook finished.
		t.RecordCompletion(domain.CompletionMetrics{WasSuccessful: false}, time.Now().UTC())
		t.RecordHealthIssue(fmt.Sprintf("call %s stalled with no callback", executionID), domain.HealthWarning)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAgentNotFound) {
		return err
	}

	if err := r.store.UpdateLeadCallStatus(ctx, rec.LeadID, domain.LeadCallFailed); err != nil && !errors.Is(err, store.ErrLeadNotFound) {
		r.logger.Warn("failed to mark lead failed",
			zap.String("lead_id", rec.LeadID), zap.Error(err))
	}

	r.logger.Warn("stalled call forced to failed",
		zap.String("execution_id", executionID),
		zap.String("agent_id", rec.AgentID))
	return nil
}
