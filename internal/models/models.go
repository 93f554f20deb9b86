// Package models holds the API request and response shapes.
package models

import (
	"time"

	"dispatch-engine-go/internal/domain"
)

// WebhookAck acknowledges webhook receipt. Sent before processing finishes
// so the provider never retries a delivery we already have.
type WebhookAck struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
}

// RegisterAgentRequest registers an agent for dispatch. MaxConcurrentCalls
// falls back to the configured default when omitted.
type RegisterAgentRequest struct {
	AgentID            string `json:"agent_id"`
	AccountID          string `json:"account_id"`
	Project            string `json:"project"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls,omitempty"`
}

// AvailabilityRequest is an operator override of an agent's availability.
type AvailabilityRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// DispatchStatusResponse reports the dispatch loop state.
type DispatchStatusResponse struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastBatch  int        `json:"last_batch"`
	TotalRuns  int64      `json:"total_runs"`
	TotalCalls int64      `json:"total_calls"`
}

// AgentSummary is the per-agent slice of the engine status response.
type AgentSummary struct {
	AgentID            string                    `json:"agent_id"`
	AccountID          string                    `json:"account_id"`
	Project            string                    `json:"project"`
	Availability       domain.AvailabilityStatus `json:"availability"`
	Health             domain.HealthStatus       `json:"health"`
	ActiveCalls        int                       `json:"active_calls"`
	MaxConcurrentCalls int                       `json:"max_concurrent_calls"`
	QueuedCalls        int                       `json:"queued_calls"`
	CallsToday         int                       `json:"calls_today"`
}

// StatusResponse is the engine-wide summary.
type StatusResponse struct {
	Service     string         `json:"service"`
	Agents      []AgentSummary `json:"agents"`
	TotalActive int            `json:"total_active"`
	TotalQueued int            `json:"total_queued"`
	Dispatcher  bool           `json:"dispatcher_running"`
	Reconciler  bool           `json:"reconciler_running"`
	Timestamp   time.Time      `json:"timestamp"`
}

// FailedEventsResponse lists events that exhausted their retries.
type FailedEventsResponse struct {
	Count  int                   `json:"count"`
	Events []*domain.EventRecord `json:"events"`
}

// ReconcileResponse reports a manually triggered sweep.
type ReconcileResponse struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}
