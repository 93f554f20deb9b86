// Package events ingests provider webhook notifications and advances the
// call lifecycle from them. Ingestion and processing are deliberately
// decoupled: every raw payload becomes a durable event record first (even
// duplicates, which are the audit trail), and processing mutates call
// records and agent trackers afterwards with bounded retries.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch-engine-go/internal/api/middleware"
	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/redisclient"
	"dispatch-engine-go/internal/store"
)

// Processing errors
var (
	ErrMissingExecutionID = errors.New("webhook payload has no execution id")
	ErrBadPayload         = errors.New("undecodable webhook payload")
)

// WebhookPayload is the provider's notification envelope.
type WebhookPayload struct {
	ExecutionID string               `json:"execution_id"`
	EventType   domain.EventType     `json:"event_type"`
	Timestamp   time.Time            `json:"timestamp"`
	Data        domain.ProcessedData `json:"data"`
}

// Processor applies event records to call records and agent load trackers.
type Processor struct {
	store  store.Store
	redis  *redisclient.Client // nil disables the execution lock
	logger *zap.Logger

	maxAttempts int
	lockTTL     time.Duration
}

// NewProcessor creates an event processor.
func NewProcessor(st store.Store, redis *redisclient.Client, maxAttempts int, lockTTL time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultEventMaxAttempts
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Processor{
		store:       st,
		redis:       redis,
		logger:      logger,
		maxAttempts: maxAttempts,
		lockTTL:     lockTTL,
	}
}

// Ingest stores one raw webhook payload as a pending event record. Raw
// payloads are never dropped: duplicates and payloads with unknown event
// types are stored too and age out through processing failures, preserving
// the audit trail either way. Only an undecodable body is rejected, with
// ErrBadPayload.
func (p *Processor) Ingest(ctx context.Context, raw json.RawMessage) (*domain.EventRecord, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.ExecutionID == "" {
		return nil, ErrMissingExecutionID
	}

	ev := domain.NewEventRecord(payload.ExecutionID, payload.EventType, raw, payload.Data, p.maxAttempts)
	if err := p.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to store event record: %w", err)
	}

	p.logger.Debug("webhook event ingested",
		zap.String("event_id", ev.ID),
		zap.String("execution_id", ev.ExecutionID),
		zap.String("event_type", string(ev.EventType)))
	return ev, nil
}

// Process runs one processing attempt for the event:
//
//  1. mark processing, count the attempt
//  2. resolve the call record by execution id
//  3. apply the status transition and copy outcome/cost/recording data
//  4. on a terminal transition, release the agent slot and record the
//     completion, ledgering each side effect in actionsPerformed
//  5. mark completed; any failure marks the event failed with the error
//     captured for retry accounting
//
// Reprocessing a completed event is a no-op; a duplicate terminal webhook
// completes without side effects because the state machine rejects the
// transition and the actions ledger blocks re-application.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Processing.Status == domain.ProcessingCompleted {
		return nil
	}
	if !ev.CanRetry() && ev.Processing.Status == domain.ProcessingFailed {
		return domain.ErrEventExhausted
	}

	// Serialize racing deliveries for the same execution across processors.
	// Best-effort: without Redis the store's per-key atomic updates still
	// prevent lost writes, the lock just removes interleaving.
	if p.redis != nil {
		token := uuid.NewString()
		ok, lockErr := p.redis.AcquireExecutionLock(ctx, ev.ExecutionID, token, p.lockTTL)
		if lockErr != nil {
			p.logger.Warn("execution lock unavailable, proceeding without it",
				zap.Error(lockErr), zap.String("execution_id", ev.ExecutionID))
		} else if !ok {
			// Another processor is on this execution; leave the event pending
			// for the retry sweep.
			return nil
		} else {
			defer func() {
				if err := p.redis.ReleaseExecutionLock(context.WithoutCancel(ctx), ev.ExecutionID, token); err != nil {
					p.logger.Warn("failed to release execution lock", zap.Error(err))
				}
			}()
		}
	}

	ev, err = p.store.UpdateEvent(ctx, eventID, func(e *domain.EventRecord) error {
		e.MarkProcessing()
		return nil
	})
	if err != nil {
		return err
	}

	if procErr := p.apply(ctx, ev); procErr != nil {
		// The ledger is persisted even on failure so a retry never
		// re-applies a side effect that already landed.
		if _, err := p.store.UpdateEvent(ctx, eventID, func(e *domain.EventRecord) error {
			e.Processing.ActionsPerformed = ev.Processing.ActionsPerformed
			e.MarkFailed(procErr.Error())
			if e.Exhausted() {
				middleware.EventsExhaustedTotal.Inc()
			}
			return nil
		}); err != nil {
			p.logger.Error("failed to persist event failure", zap.Error(err), zap.String("event_id", eventID))
		}
		middleware.WebhookEventsTotal.WithLabelValues(string(ev.EventType), "failed").Inc()
		return procErr
	}

	if _, err := p.store.UpdateEvent(ctx, eventID, func(e *domain.EventRecord) error {
		e.Processing.ActionsPerformed = ev.Processing.ActionsPerformed
		e.MarkCompleted()
		return nil
	}); err != nil {
		return err
	}
	middleware.WebhookEventsTotal.WithLabelValues(string(ev.EventType), "completed").Inc()
	return nil
}

// apply performs the event's side effects, recording each in the ledger on
// ev as it goes. The caller persists the ledger with the final status.
func (p *Processor) apply(ctx context.Context, ev *domain.EventRecord) error {
	newStatus, ok := ev.EventType.CallStatus()
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEventType, ev.EventType)
	}

	rec, err := p.store.GetCall(ctx, ev.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrCallNotFound) {
			// Non-retryable data issue, but the attempts counter still ran so
			// the event ages out after maxAttempts.
			return fmt.Errorf("no call record for execution %s", ev.ExecutionID)
		}
		return err
	}

	transitioned := true
	rec, err = p.store.UpdateCall(ctx, ev.ExecutionID, func(c *domain.CallRecord) error {
		if err := c.Advance(newStatus, domain.TransitionDetails{
			Reason: string(ev.EventType),
			At:     ev.ReceivedAt,
		}); err != nil {
			return err
		}
		applyProcessedData(c, ev.Data)
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrTerminalState) {
			return err
		}
		// Late or duplicate event against a finished call: logged no-op.
		transitioned = false
		p.logger.Info("transition rejected for terminal call",
			zap.String("execution_id", ev.ExecutionID),
			zap.String("event_type", string(ev.EventType)))
		rec, err = p.store.GetCall(ctx, ev.ExecutionID)
		if err != nil {
			return err
		}
	}

	if transitioned {
		ev.RecordAction(domain.ActionCallLogUpdated)
	}

	if newStatus.Terminal() && transitioned {
		if err := p.finalize(ctx, ev, rec); err != nil {
			return err
		}
	}
	return nil
}

// finalize runs the terminal-transition side effects: free the agent slot,
// roll the completion into the performance windows, schedule the site visit
// if requested, and update the lead. Each is guarded by the actions ledger so
// a retried event never double-applies one.
func (p *Processor) finalize(ctx context.Context, ev *domain.EventRecord, rec *domain.CallRecord) error {
	key := store.AgentKey{AgentID: rec.AgentID, AccountID: rec.AccountID, Project: rec.Project}

	if !ev.HasAction(domain.ActionAgentLoadUpdated) || !ev.HasAction(domain.ActionCompletionRecorded) {
		_, err := p.store.UpdateAgent(ctx, key, func(t *domain.AgentLoadTracker) error {
			if !ev.HasAction(domain.ActionAgentLoadUpdated) {
				// Idempotent: a no-op when the slot was already freed.
				if t.RemoveActiveCall(rec.ExecutionID) {
					middleware.ActiveCalls.Dec()
				}
				ev.RecordAction(domain.ActionAgentLoadUpdated)
			}
			if !ev.HasAction(domain.ActionCompletionRecorded) {
				interested := rec.Outcome.CustomerInterested != nil && *rec.Outcome.CustomerInterested
				t.RecordCompletion(domain.CompletionMetrics{
					Duration:           rec.Timing.Duration,
					Cost:               rec.Cost.Total,
					WasSuccessful:      rec.CallStatus == domain.CallCompleted,
					CustomerInterested: interested,
					SiteVisitScheduled: rec.Outcome.SiteVisitRequested,
				}, time.Now().UTC())
				ev.RecordAction(domain.ActionCompletionRecorded)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrAgentNotFound) {
				// The call outlived its tracker (e.g. manual dispatch); the
				// call record itself is already final.
				p.logger.Warn("no agent tracker for completed call",
					zap.String("agent_id", rec.AgentID),
					zap.String("execution_id", rec.ExecutionID))
			} else {
				return err
			}
		}
	}

	if rec.Outcome.SiteVisitRequested && !ev.HasAction(domain.ActionSiteVisitScheduled) {
		// Site-visit creation itself is an external collaborator; the ledger
		// entry is what guarantees it is requested exactly once.
		p.logger.Info("site visit requested",
			zap.String("lead_id", rec.LeadID),
			zap.String("execution_id", rec.ExecutionID))
		ev.RecordAction(domain.ActionSiteVisitScheduled)
	}

	if !ev.HasAction(domain.ActionLeadStatusUpdated) {
		leadStatus := domain.LeadCallCompleted
		if rec.CallStatus != domain.CallCompleted {
			leadStatus = domain.LeadCallFailed
		}
		if err := p.store.UpdateLeadCallStatus(ctx, rec.LeadID, leadStatus); err != nil {
			if !errors.Is(err, store.ErrLeadNotFound) {
				return err
			}
		} else {
			ev.RecordAction(domain.ActionLeadStatusUpdated)
		}
	}

	return nil
}

// applyProcessedData copies the interpreted payload fields onto the call
// record. Zero values never clobber data from earlier events.
func applyProcessedData(c *domain.CallRecord, d domain.ProcessedData) {
	if d.Duration > 0 {
		// Provider-reported duration wins over the derived one.
		c.Timing.Duration = d.Duration
	}
	if d.Cost > 0 {
		c.Cost.Total = d.Cost
	}
	if len(d.CostBreakdown) > 0 {
		c.Cost.Breakdown = d.CostBreakdown
	}
	if d.RecordingURL != "" {
		c.RecordingURL = d.RecordingURL
	}
	if d.Voicemail {
		c.Outcome.Voicemail = true
	}
	if d.HangupBy != "" {
		c.Outcome.HangupBy = d.HangupBy
	}
	if d.HangupReason != "" {
		c.Outcome.HangupReason = d.HangupReason
	}
	if d.CustomerInterested != nil {
		c.Outcome.CustomerInterested = d.CustomerInterested
	}
	if d.SiteVisitRequested {
		c.Outcome.SiteVisitRequested = true
	}
	if d.CallbackRequested {
		c.Outcome.CallbackRequested = true
	}
	if d.LeadQuality != "" {
		c.Outcome.LeadQuality = d.LeadQuality
	}
}
