package domain

import "time"

// Lead call statuses as seen by the dispatcher. Lead CRUD lives outside this
// engine; the dispatcher only reads pending leads and writes their call
// status back.
const (
	LeadCallPending   = "pending"
	LeadCallQueued    = "queued"
	LeadCallDialing   = "calling"
	LeadCallCompleted = "completed"
	LeadCallFailed    = "failed"
)

// Lead is the slice of a lead the dispatch loop needs.
type Lead struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Project       string    `json:"project"`
	Name          string    `json:"name,omitempty"`
	ContactNumber string    `json:"contact_number"`
	CampaignID    string    `json:"campaign_id,omitempty"`
	CallStatus    string    `json:"call_status"`
	Priority      Priority  `json:"priority,omitempty"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"created_at"`
}
