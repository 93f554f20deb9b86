// Package dispatcher runs the outbound call loop: every tick it drains
// agent queues into freed slots, then assigns pending leads to the least
// loaded available agent, calling the voice provider for each. Agents at
// capacity get the lead queued instead of dropped.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/api/middleware"
	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/provider"
	"dispatch-engine-go/internal/redisclient"
	"dispatch-engine-go/internal/store"
)

// Dispatcher errors
var (
	ErrAlreadyRunning = errors.New("dispatcher already running")
	ErrNotRunning     = errors.New("dispatcher not running")
)

// errQueueEmpty aborts the dequeue closure when another pass already took
// the last entry.
var errQueueEmpty = errors.New("agent queue empty")

// Status is a point-in-time snapshot of the dispatch loop.
type Status struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastBatch  int        `json:"last_batch"`
	TotalRuns  int64      `json:"total_runs"`
	TotalCalls int64      `json:"total_calls"`
}

// Dispatcher drives the periodic dispatch loop. Start and Stop are
// idempotent in effect: a second Start returns ErrAlreadyRunning without
// disturbing the loop, and Stop on a stopped dispatcher returns
// ErrNotRunning.
type Dispatcher struct {
	store     store.Store
	initiator provider.CallInitiator
	redis     *redisclient.Client // nil disables the singleton lease
	logger    *zap.Logger

	interval      time.Duration
	maxConcurrent int
	leaseTTL      time.Duration
	instanceID    string

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastRunAt  *time.Time
	lastBatch  int
	totalRuns  int64
	totalCalls int64
}

// New creates a dispatcher. instanceID identifies this process in the
// Redis singleton lease; any stable unique string works.
func New(st store.Store, initiator provider.CallInitiator, redis *redisclient.Client, interval time.Duration, maxConcurrent int, leaseTTL time.Duration, instanceID string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Dispatcher{
		store:         st,
		initiator:     initiator,
		redis:         redis,
		logger:        logger,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		leaseTTL:      leaseTTL,
		instanceID:    instanceID,
	}
}

// Start launches the dispatch loop. The first tick fires after one full
// interval, not immediately, so a crash-restart cycle cannot hammer the
// provider.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	if d.redis != nil {
		ok, err := d.redis.AcquireDispatcherLease(ctx, d.instanceID, d.leaseTTL)
		if err != nil {
			d.logger.Warn("dispatcher lease unavailable, starting without it", zap.Error(err))
		} else if !ok {
			return fmt.Errorf("another dispatcher instance holds the lease")
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go d.loop(ctx)
	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.interval),
		zap.String("instance_id", d.instanceID))
	return nil
}

// Stop halts the loop, waits for any in-flight tick, and releases the lease.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	if d.redis != nil {
		ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := d.redis.ReleaseDispatcherLease(ctx, d.instanceID); err != nil {
			d.logger.Warn("failed to release dispatcher lease", zap.Error(err))
		}
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// Status reports the loop's current state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:    d.running,
		Interval:   d.interval.String(),
		LastRunAt:  d.lastRunAt,
		LastBatch:  d.lastBatch,
		TotalRuns:  d.totalRuns,
		TotalCalls: d.totalCalls,
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.redis != nil {
				if err := d.redis.RenewDispatcherLease(ctx, d.leaseTTL); err != nil {
					d.logger.Warn("failed to renew dispatcher lease", zap.Error(err))
				}
			}
			n, err := d.DispatchPending(ctx)
			if err != nil {
				d.logger.Error("dispatch tick failed", zap.Error(err))
			}
			now := time.Now().UTC()
			d.mu.Lock()
			d.lastRunAt = &now
			d.lastBatch = n
			d.totalRuns++
			d.totalCalls += int64(n)
			d.mu.Unlock()
		}
	}
}

// DispatchPending runs one dispatch pass and returns how many calls were
// placed. Queued work drains first so a lead that waited through a busy tick
// is never overtaken by a fresh one, then pending leads are assigned.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	placed, err := d.drainQueues(ctx)
	if err != nil {
		return placed, err
	}

	leads, err := d.store.ListPendingLeads(ctx)
	if err != nil {
		return placed, fmt.Errorf("failed to list pending leads: %w", err)
	}

	for _, lead := range leads {
		if ctx.Err() != nil {
			return placed, ctx.Err()
		}
		ok, err := d.dispatchLead(ctx, lead)
		if err != nil {
			d.logger.Warn("lead dispatch failed",
				zap.String("lead_id", lead.ID),
				zap.Error(err))
			middleware.DispatchesTotal.WithLabelValues("error").Inc()
			continue
		}
		if ok {
			placed++
		}
	}
	return placed, nil
}

// dispatchLead assigns one lead. Returns true when a call was placed, false
// when the lead was queued (all agents at capacity) or skipped (no agents).
func (d *Dispatcher) dispatchLead(ctx context.Context, lead *domain.Lead) (bool, error) {
	trackers, err := d.store.ListAgents(ctx, lead.AccountID, lead.Project)
	if err != nil {
		return false, fmt.Errorf("failed to list agents: %w", err)
	}
	if len(trackers) == 0 {
		d.logger.Debug("no agents for lead",
			zap.String("lead_id", lead.ID),
			zap.String("account_id", lead.AccountID),
			zap.String("project", lead.Project))
		middleware.DispatchesTotal.WithLabelValues("no_agents").Inc()
		return false, nil
	}

	agent := domain.SelectLeastLoaded(trackers)
	if agent == nil {
		// Everyone is saturated or unavailable: park the lead on the least
		// backlogged queue so the next free slot picks it up.
		target := leastQueued(trackers)
		key := store.AgentKey{AgentID: target.AgentID, AccountID: target.AccountID, Project: target.Project}
		_, err := d.store.UpdateAgent(ctx, key, func(t *domain.AgentLoadTracker) error {
			t.Enqueue(lead.ID, lead.CampaignID, lead.Priority)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("failed to queue lead: %w", err)
		}
		// Take the lead out of the pending set so the next tick does not
		// enqueue it again.
		if err := d.store.UpdateLeadCallStatus(ctx, lead.ID, domain.LeadCallQueued); err != nil && !errors.Is(err, store.ErrLeadNotFound) {
			d.logger.Warn("failed to mark lead queued", zap.String("lead_id", lead.ID), zap.Error(err))
		}
		middleware.QueuedCalls.Inc()
		middleware.DispatchesTotal.WithLabelValues("queued").Inc()
		d.logger.Info("lead queued, all agents at capacity",
			zap.String("lead_id", lead.ID),
			zap.String("agent_id", target.AgentID))
		return false, nil
	}

	return d.placeCall(ctx, agent, lead.ID, lead.CampaignID, lead.ContactNumber, lead.AccountID, lead.Project)
}

// placeCall invokes the provider and, on success, creates the call record
// and claims the agent slot. The provider call happens before any state
// change: a rejected call leaves nothing to clean up, and an accepted one is
// keyed by the execution id the provider just issued.
func (d *Dispatcher) placeCall(ctx context.Context, agent *domain.AgentLoadTracker, leadID, campaignID, contactNumber, accountID, project string) (bool, error) {
	res, err := d.initiator.InitiateCall(ctx, provider.InitiateCallRequest{
		UserID:        accountID,
		LeadID:        leadID,
		ContactNumber: contactNumber,
		ProjectName:   project,
		IsAutoCall:    true,
	})
	if err != nil {
		return false, fmt.Errorf("provider call failed: %w", err)
	}

	rec, err := domain.NewCallRecord(res.ExecutionID, res.ExecutionID, leadID, agent.AgentID, accountID, project, contactNumber)
	if err != nil {
		return false, err
	}
	rec.CampaignID = campaignID
	if err := d.store.CreateCall(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateExecution) {
			// Provider re-issued an execution id we already track.
			d.logger.Warn("duplicate execution id from provider",
				zap.String("execution_id", res.ExecutionID))
			return false, nil
		}
		return false, fmt.Errorf("failed to create call record: %w", err)
	}

	key := store.AgentKey{AgentID: agent.AgentID, AccountID: agent.AccountID, Project: agent.Project}
	_, err = d.store.UpdateAgent(ctx, key, func(t *domain.AgentLoadTracker) error {
		return t.AddActiveCall(domain.ActiveCall{
			CallID:            rec.CallID,
			ExecutionID:       rec.ExecutionID,
			LeadID:            leadID,
			Status:            domain.CallQueued,
			EstimatedDuration: 5 * time.Minute,
		})
	})
	if err != nil {
		// The call is in flight regardless; the terminal webhook's idempotent
		// RemoveActiveCall tolerates the missing slot.
		d.logger.Error("failed to claim agent slot for placed call",
			zap.String("execution_id", rec.ExecutionID),
			zap.Error(err))
	} else {
		middleware.ActiveCalls.Inc()
	}

	if err := d.store.UpdateLeadCallStatus(ctx, leadID, domain.LeadCallDialing); err != nil && !errors.Is(err, store.ErrLeadNotFound) {
		d.logger.Warn("failed to mark lead dialing", zap.String("lead_id", leadID), zap.Error(err))
	}

	middleware.DispatchesTotal.WithLabelValues("dispatched").Inc()
	d.logger.Info("call dispatched",
		zap.String("execution_id", rec.ExecutionID),
		zap.String("lead_id", leadID),
		zap.String("agent_id", agent.AgentID))
	return true, nil
}

// drainQueues moves queued calls into slots freed since the last tick.
// Dequeue order is priority first, enqueue time second, so high-priority
// work jumps the line but equal-priority work stays first-in first-out.
func (d *Dispatcher) drainQueues(ctx context.Context) (int, error) {
	trackers, err := d.store.ListAgents(ctx, "", "")
	if err != nil {
		return 0, fmt.Errorf("failed to list agents: %w", err)
	}

	placed := 0
	for _, t := range trackers {
		for t.IsAvailable() && len(t.CallQueue) > 0 {
			if ctx.Err() != nil {
				return placed, ctx.Err()
			}

			key := store.AgentKey{AgentID: t.AgentID, AccountID: t.AccountID, Project: t.Project}
			var next domain.QueuedCall
			updated, err := d.store.UpdateAgent(ctx, key, func(tr *domain.AgentLoadTracker) error {
				qc, ok := tr.DequeueNext()
				if !ok {
					return errQueueEmpty
				}
				next = qc
				return nil
			})
			if err != nil {
				if !errors.Is(err, errQueueEmpty) {
					d.logger.Warn("failed to dequeue from agent queue",
						zap.String("agent_id", t.AgentID), zap.Error(err))
				}
				break
			}
			t = updated
			middleware.QueuedCalls.Dec()

			lead, err := d.store.GetLead(ctx, next.LeadID)
			if err != nil {
				d.logger.Warn("queued lead vanished, dropping",
					zap.String("lead_id", next.LeadID), zap.Error(err))
				continue
			}
			if lead.CallStatus != domain.LeadCallPending && lead.CallStatus != domain.LeadCallQueued {
				// Already dialed or finished through another path; drop the
				// stale queue entry instead of calling the lead again.
				d.logger.Debug("skipping queued lead no longer awaiting a call",
					zap.String("lead_id", lead.ID),
					zap.String("call_status", lead.CallStatus))
				continue
			}
			ok, err := d.placeCall(ctx, t, lead.ID, lead.CampaignID, lead.ContactNumber, lead.AccountID, lead.Project)
			if err != nil {
				d.logger.Warn("queued call dispatch failed",
					zap.String("lead_id", lead.ID), zap.Error(err))
				middleware.DispatchesTotal.WithLabelValues("error").Inc()
				continue
			}
			if ok {
				placed++
				// Refresh the local view so the loop condition sees the
				// claimed slot.
				t, err = d.store.GetAgent(ctx, key)
				if err != nil {
					break
				}
			}
		}
	}
	return placed, nil
}

// leastQueued picks the tracker with the shortest queue.
func leastQueued(trackers []*domain.AgentLoadTracker) *domain.AgentLoadTracker {
	best := trackers[0]
	for _, t := range trackers[1:] {
		if len(t.CallQueue) < len(best.CallQueue) {
			best = t
		}
	}
	return best
}
