package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event processing errors
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrEventExhausted   = errors.New("event has exhausted its processing attempts")
)

// EventType is the kind of lifecycle notification the voice provider sends.
type EventType string

const (
	EventCallInitiated    EventType = "call-initiated"
	EventCallRinging      EventType = "call-ringing"
	EventCallAnswered     EventType = "call-answered"
	EventCallCompleted    EventType = "call-completed"
	EventCallDisconnected EventType = "call-disconnected"
	EventCallNoAnswer     EventType = "call-no-answer"
	EventCallBusy         EventType = "call-busy"
	EventCallFailed       EventType = "call-failed"
	EventCallCanceled     EventType = "call-canceled"
	EventBalanceLow       EventType = "balance-low"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	_, ok := eventStatusMap[e]
	return ok
}

var eventStatusMap = map[EventType]CallStatus{
	EventCallInitiated:    CallRinging,
	EventCallRinging:      CallRinging,
	EventCallAnswered:     CallInProgress,
	EventCallCompleted:    CallCompleted,
	EventCallDisconnected: CallDisconnected,
	EventCallNoAnswer:     CallNoAnswer,
	EventCallBusy:         CallBusy,
	EventCallFailed:       CallFailed,
	EventCallCanceled:     CallCanceled,
	EventBalanceLow:       CallBalanceLow,
}

// CallStatus maps the event type to the call status it drives the state
// machine toward. The second return is false for unknown event types.
func (e EventType) CallStatus() (CallStatus, bool) {
	s, ok := eventStatusMap[e]
	return s, ok
}

// ProcessingStatus is the state of one event's processing sub-document.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingActive    ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Action is one side effect applied while processing an event. The
// actions-performed list is the idempotency ledger: a side effect already in
// the list is never re-applied on reprocessing.
type Action string

const (
	ActionCallLogUpdated     Action = "call-log-updated"
	ActionAgentLoadUpdated   Action = "agent-load-updated"
	ActionCompletionRecorded Action = "completion-recorded"
	ActionSiteVisitScheduled Action = "site-visit-scheduled"
	ActionLeadStatusUpdated  Action = "lead-status-updated"
)

// ProcessingError is one append-only error log entry.
type ProcessingError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Processing is the mutable sub-document of an event record.
type Processing struct {
	Status           ProcessingStatus  `json:"status"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	LastAttemptAt    *time.Time        `json:"last_attempt_at,omitempty"`
	Errors           []ProcessingError `json:"errors,omitempty"`
	ActionsPerformed []Action          `json:"actions_performed,omitempty"`
}

// ProcessedData is the interpreted payload of a provider notification:
// everything the event processor may copy onto the call record.
type ProcessedData struct {
	Duration           time.Duration      `json:"duration,omitempty"`
	Cost               float64            `json:"cost,omitempty"`
	CostBreakdown      map[string]float64 `json:"cost_breakdown,omitempty"`
	RecordingURL       string             `json:"recording_url,omitempty"`
	Voicemail          bool               `json:"voicemail,omitempty"`
	HangupBy           string             `json:"hangup_by,omitempty"`
	HangupReason       string             `json:"hangup_reason,omitempty"`
	CustomerInterested *bool              `json:"customer_interested,omitempty"`
	SiteVisitRequested bool               `json:"site_visit_requested,omitempty"`
	CallbackRequested  bool               `json:"callback_requested,omitempty"`
	LeadQuality        string             `json:"lead_quality,omitempty"`
}

// EventRecord is one inbound provider notification. The raw payload is stored
// verbatim for replay and audit and is immutable after creation; only the
// processing sub-document mutates.
type EventRecord struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	EventType   EventType       `json:"event_type"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	Data        ProcessedData   `json:"data"`
	Processing  Processing      `json:"processing"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// DefaultEventMaxAttempts bounds processing retries per event.
const DefaultEventMaxAttempts = 3

// NewEventRecord creates a pending event record with defaults filled. Raw
// payloads are never dropped, even duplicates, so creation is unconditional.
func NewEventRecord(executionID string, eventType EventType, raw json.RawMessage, data ProcessedData, maxAttempts int) *EventRecord {
	if maxAttempts <= 0 {
		maxAttempts = DefaultEventMaxAttempts
	}
	return &EventRecord{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		EventType:   eventType,
		RawPayload:  raw,
		Data:        data,
		Processing: Processing{
			Status:      ProcessingPending,
			MaxAttempts: maxAttempts,
		},
		ReceivedAt: time.Now().UTC(),
	}
}

// MarkProcessing flips the event to processing and counts the attempt.
func (e *EventRecord) MarkProcessing() {
	now := time.Now().UTC()
	e.Processing.Status = ProcessingActive
	e.Processing.Attempts++
	e.Processing.LastAttemptAt = &now
}

// MarkCompleted flips the event to completed.
func (e *EventRecord) MarkCompleted() {
	e.Processing.Status = ProcessingCompleted
}

// MarkFailed flips the event to failed and appends to the error log. The
// attempts counter is untouched; MarkProcessing already counted it.
func (e *EventRecord) MarkFailed(message string) {
	e.Processing.Status = ProcessingFailed
	e.Processing.Errors = append(e.Processing.Errors, ProcessingError{
		At:      time.Now().UTC(),
		Message: message,
	})
}

// CanRetry reports whether the event is eligible for another processing
// attempt.
func (e *EventRecord) CanRetry() bool {
	if e.Processing.Status != ProcessingPending && e.Processing.Status != ProcessingFailed {
		return false
	}
	return e.Processing.Attempts < e.Processing.MaxAttempts
}

// Exhausted reports whether the event permanently failed.
func (e *EventRecord) Exhausted() bool {
	return e.Processing.Status == ProcessingFailed && e.Processing.Attempts >= e.Processing.MaxAttempts
}

// HasAction reports whether the given side effect was already applied.
func (e *EventRecord) HasAction(a Action) bool {
	for _, done := range e.Processing.ActionsPerformed {
		if done == a {
			return true
		}
	}
	return false
}

// RecordAction appends a side effect to the idempotency ledger (once).
func (e *EventRecord) RecordAction(a Action) {
	if !e.HasAction(a) {
		e.Processing.ActionsPerformed = append(e.Processing.ActionsPerformed, a)
	}
}
