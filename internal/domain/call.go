package domain

import (
	"errors"
	"fmt"
	"time"
)

// Call lifecycle errors
var (
	ErrTerminalState    = errors.New("call record is already in a terminal state")
	ErrUnknownStatus    = errors.New("unknown call status")
	ErrMissingExecution = errors.New("execution id is required")
)

// CallStatus is the lifecycle state of one outbound call attempt.
type CallStatus string

const (
	CallQueued       CallStatus = "queued"
	CallRinging      CallStatus = "ringing"
	CallInProgress   CallStatus = "in-progress"
	CallCompleted    CallStatus = "completed"
	CallDisconnected CallStatus = "call-disconnected"
	CallNoAnswer     CallStatus = "no-answer"
	CallBusy         CallStatus = "busy"
	CallFailed       CallStatus = "failed"
	CallCanceled     CallStatus = "canceled"
	CallBalanceLow   CallStatus = "balance-low"
)

// Valid reports whether s is a known call status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallQueued, CallRinging, CallInProgress, CallCompleted, CallDisconnected,
		CallNoAnswer, CallBusy, CallFailed, CallCanceled, CallBalanceLow:
		return true
	}
	return false
}

// Terminal reports whether s represents a finished attempt. Everything except
// queued/ringing/in-progress is terminal.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallQueued, CallRinging, CallInProgress:
		return false
	}
	return s.Valid()
}

// StatusChange is one entry in a call's append-only audit trail.
type StatusChange struct {
	Status CallStatus `json:"status"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// Timing holds the lifecycle timestamps of a call. Duration and
// ConversationTime are derived once at the terminal transition and never
// recomputed afterwards.
type Timing struct {
	QueuedAt         time.Time     `json:"queued_at"`
	InitiatedAt      *time.Time    `json:"initiated_at,omitempty"`
	AnsweredAt       *time.Time    `json:"answered_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	ConversationTime time.Duration `json:"conversation_time,omitempty"`
}

// Outcome captures what happened on the call from the agent's perspective.
// CustomerInterested is tri-state: nil means the conversation never got far
// enough for a read either way.
type Outcome struct {
	Voicemail          bool   `json:"voicemail"`
	HangupBy           string `json:"hangup_by,omitempty"`
	HangupReason       string `json:"hangup_reason,omitempty"`
	CustomerInterested *bool  `json:"customer_interested,omitempty"`
	SiteVisitRequested bool   `json:"site_visit_requested"`
	CallbackRequested  bool   `json:"callback_requested"`
	LeadQuality        string `json:"lead_quality,omitempty"`
}

// Cost is the total call cost plus the provider's component breakdown.
type Cost struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// RetryInfo tracks dispatch retry accounting for this lead's call attempts.
type RetryInfo struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
}

// CallRecord is one outbound call attempt. Identity is the provider-issued
// execution id, globally unique. Records are never deleted; terminal rows are
// the durable history.
type CallRecord struct {
	ExecutionID   string     `json:"execution_id"`
	CallID        string     `json:"call_id"`
	LeadID        string     `json:"lead_id"`
	AgentID       string     `json:"agent_id"`
	AccountID     string     `json:"account_id"`
	Project       string     `json:"project"`
	ContactNumber string     `json:"contact_number"`
	CampaignID    string     `json:"campaign_id,omitempty"`
	CallStatus    CallStatus `json:"call_status"`

	Timing        Timing         `json:"timing"`
	Outcome       Outcome        `json:"outcome"`
	Cost          Cost           `json:"cost"`
	RetryInfo     RetryInfo      `json:"retry_info"`
	RecordingURL  string         `json:"recording_url,omitempty"`
	StatusHistory []StatusChange `json:"status_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCallRecord creates a call record in the queued state with defaults
// filled. This is the only way records enter the system.
func NewCallRecord(executionID, callID, leadID, agentID, accountID, project, contactNumber string) (*CallRecord, error) {
	if executionID == "" {
		return nil, ErrMissingExecution
	}
	now := time.Now().UTC()
	return &CallRecord{
		ExecutionID:   executionID,
		CallID:        callID,
		LeadID:        leadID,
		AgentID:       agentID,
		AccountID:     accountID,
		Project:       project,
		ContactNumber: contactNumber,
		CallStatus:    CallQueued,
		Timing:        Timing{QueuedAt: now},
		RetryInfo:     RetryInfo{MaxAttempts: 3},
		StatusHistory: []StatusChange{{Status: CallQueued, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// TransitionDetails carries the context of a status transition.
type TransitionDetails struct {
	Reason string
	At     time.Time
}

// Advance moves the call to newStatus, stamping timing fields:
//
//   - ringing:     stamps InitiatedAt (first time only)
//   - in-progress: stamps AnsweredAt (first time only; re-entry must not
//     overwrite it)
//   - any terminal status: stamps EndedAt and, only if not already set,
//     derives Duration from InitiatedAt and ConversationTime from AnsweredAt
//
// Transitions out of a terminal state are rejected with ErrTerminalState.
// That rejection is the idempotency guard against duplicate terminal
// webhooks and late lifecycle events; callers treat it as a logged no-op.
// Every accepted transition appends to StatusHistory.
func (c *CallRecord) Advance(newStatus CallStatus, d TransitionDetails) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, newStatus)
	}
	if c.CallStatus.Terminal() {
		return ErrTerminalState
	}

	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch {
	case newStatus == CallRinging:
		if c.Timing.InitiatedAt == nil {
			t := at
			c.Timing.InitiatedAt = &t
		}
	case newStatus == CallInProgress:
		if c.Timing.AnsweredAt == nil {
			t := at
			c.Timing.AnsweredAt = &t
		}
	case newStatus.Terminal():
		t := at
		c.Timing.EndedAt = &t
		if c.Timing.Duration == 0 && c.Timing.InitiatedAt != nil {
			c.Timing.Duration = t.Sub(*c.Timing.InitiatedAt)
		}
		if c.Timing.ConversationTime == 0 && c.Timing.AnsweredAt != nil {
			c.Timing.ConversationTime = t.Sub(*c.Timing.AnsweredAt)
		}
	}

	c.CallStatus = newStatus
	c.StatusHistory = append(c.StatusHistory, StatusChange{Status: newStatus, At: at, Reason: d.Reason})
	c.UpdatedAt = at
	return nil
}
