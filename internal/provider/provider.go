// Package provider is the boundary to the external voice-agent service. The
// engine only ever asks it to place a call; everything that happens after
// comes back through webhooks.
package provider

import (
	"context"
	"errors"
)

// Provider errors
var (
	ErrProviderUnavailable = errors.New("voice provider unavailable")
	ErrCallRejected        = errors.New("voice provider rejected the call")
)

// InitiateCallRequest asks the provider to place one outbound call.
type InitiateCallRequest struct {
	UserID        string `json:"user_id"`
	LeadID        string `json:"lead_id"`
	ContactNumber string `json:"contact_number"`
	ProjectName   string `json:"project_name"`
	IsAutoCall    bool   `json:"is_auto_call"`
}

// InitiateCallResult is the provider's synchronous acknowledgment. The
// execution id it issues is the idempotency key for the whole call lifecycle.
type InitiateCallResult struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error,omitempty"`
}

// CallInitiator places outbound calls. Failures are non-fatal to a dispatch
// batch: callers log and move on to the next lead.
type CallInitiator interface {
	InitiateCall(ctx context.Context, req InitiateCallRequest) (*InitiateCallResult, error)
}
