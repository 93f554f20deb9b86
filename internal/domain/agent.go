package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Agent tracker errors
var (
	ErrAgentAtCapacity = errors.New("agent is at max concurrent calls")
)

// Concurrency bounds for MaxConcurrentCalls.
const (
	MinConcurrentCalls = 1
	MaxConcurrentCalls = 15
)

// Priority of a queued dispatch request.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank orders priorities for dequeue; lower is more urgent.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// AvailabilityStatus is the stored (not purely computed) availability of an
// agent, so external processes can see and override it.
type AvailabilityStatus string

const (
	AgentAvailable   AvailabilityStatus = "available"
	AgentBusy        AvailabilityStatus = "busy"
	AgentOffline     AvailabilityStatus = "offline"
	AgentMaintenance AvailabilityStatus = "maintenance"
)

// Valid reports whether s is a known availability status.
func (s AvailabilityStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentOffline, AgentMaintenance:
		return true
	}
	return false
}

// HealthStatus summarizes an agent's operational health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

// ActiveCall is one in-flight call reference on an agent. Entries are removed
// only by explicit completion.
type ActiveCall struct {
	CallID            string        `json:"call_id"`
	ExecutionID       string        `json:"execution_id"`
	LeadID            string        `json:"lead_id"`
	StartedAt         time.Time     `json:"started_at"`
	Status            CallStatus    `json:"status"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// QueuedCall is one pending dispatch request waiting for a free slot.
type QueuedCall struct {
	LeadID     string    `json:"lead_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CurrentLoad mirrors the lengths of the active-call set and the queue.
// Kept in lock-step by every mutation; external code must never write these
// directly.
type CurrentLoad struct {
	ActiveCalls        int `json:"active_calls"`
	MaxConcurrentCalls int `json:"max_concurrent_calls"`
	QueuedCalls        int `json:"queued_calls"`
}

// Availability is derived from capacity but stored so it can be overridden
// (offline, maintenance) by operators.
type Availability struct {
	Status               AvailabilityStatus `json:"status"`
	EstimatedAvailableAt *time.Time         `json:"estimated_available_at,omitempty"`
	LastActiveAt         *time.Time         `json:"last_active_at,omitempty"`
}

// PerformanceWindow is one rolling counter set. All fields are updated
// together on every completed call, never individually.
type PerformanceWindow struct {
	TotalCalls          int           `json:"total_calls"`
	CompletedCalls      int           `json:"completed_calls"`
	SuccessfulCalls     int           `json:"successful_calls"`
	TotalDuration       time.Duration `json:"total_duration"`
	TotalCost           float64       `json:"total_cost"`
	InterestedLeads     int           `json:"interested_leads"`
	SiteVisitsScheduled int           `json:"site_visits_scheduled"`
}

func (w *PerformanceWindow) apply(m CompletionMetrics) {
	w.TotalCalls++
	w.CompletedCalls++
	if m.WasSuccessful {
		w.SuccessfulCalls++
	}
	w.TotalDuration += m.Duration
	w.TotalCost += m.Cost
	if m.CustomerInterested {
		w.InterestedLeads++
	}
	if m.SiteVisitScheduled {
		w.SiteVisitsScheduled++
	}
}

// Performance holds the four rolling windows plus their period anchors.
type Performance struct {
	Today     PerformanceWindow `json:"today"`
	ThisWeek  PerformanceWindow `json:"this_week"`
	ThisMonth PerformanceWindow `json:"this_month"`
	AllTime   PerformanceWindow `json:"all_time"`

	TodayStart  time.Time  `json:"today_start"`
	WeekStart   time.Time  `json:"week_start"`
	MonthStart  time.Time  `json:"month_start"`
	FirstCallAt *time.Time `json:"first_call_at,omitempty"`
	LastCallAt  *time.Time `json:"last_call_at,omitempty"`
}

// Configuration is the per-agent limit set and the thresholds used for health
// alerts.
type Configuration struct {
	CallTimeout      time.Duration `json:"call_timeout"`
	MaxRetries       int           `json:"max_retries"`
	InterCallDelay   time.Duration `json:"inter_call_delay"`
	HourlyCallCap    int           `json:"hourly_call_cap"`
	DailyDurationCap time.Duration `json:"daily_duration_cap"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	MaxFailureStreak int           `json:"max_failure_streak"`
}

// HealthIssue is one append-only issue log entry.
type HealthIssue struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// HealthAlert is a raised alert with acknowledge semantics.
type HealthAlert struct {
	ID             string     `json:"id"`
	At             time.Time  `json:"at"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// AgentHealth is the health sub-document of a tracker.
type AgentHealth struct {
	Status HealthStatus  `json:"status"`
	Issues []HealthIssue `json:"issues,omitempty"`
	Alerts []HealthAlert `json:"alerts,omitempty"`
}

// AgentLoadTracker tracks per-agent capacity, the in-flight call set, the
// pending dispatch queue, and rolling performance counters. One exists per
// (agent, owning account, project) and is created on first reference; it is
// never deleted, only marked offline.
//
// Capacity invariants are maintained only by the methods below. External code
// mutating CurrentLoad directly is a protocol violation.
type AgentLoadTracker struct {
	AgentID   string `json:"agent_id"`
	AccountID string `json:"account_id"`
	Project   string `json:"project"`

	CurrentLoad   CurrentLoad   `json:"current_load"`
	ActiveCalls   []ActiveCall  `json:"active_calls"`
	CallQueue     []QueuedCall  `json:"call_queue"`
	Availability  Availability  `json:"availability"`
	Performance   Performance   `json:"performance"`
	Configuration Configuration `json:"configuration"`
	Health        AgentHealth   `json:"health"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgentLoadTracker creates a tracker with defaults filled. maxConcurrent
// is clamped to [1, 15].
func NewAgentLoadTracker(agentID, accountID, project string, maxConcurrent int) *AgentLoadTracker {
	if maxConcurrent < MinConcurrentCalls {
		maxConcurrent = MinConcurrentCalls
	}
	if maxConcurrent > MaxConcurrentCalls {
		maxConcurrent = MaxConcurrentCalls
	}
	now := time.Now().UTC()
	return &AgentLoadTracker{
		AgentID:   agentID,
		AccountID: accountID,
		Project:   project,
		CurrentLoad: CurrentLoad{
			MaxConcurrentCalls: maxConcurrent,
		},
		Availability: Availability{Status: AgentAvailable},
		Performance: Performance{
			TodayStart: startOfDay(now),
			WeekStart:  startOfWeek(now),
			MonthStart: startOfMonth(now),
		},
		Configuration: Configuration{
			CallTimeout:      10 * time.Minute,
			MaxRetries:       3,
			InterCallDelay:   30 * time.Second,
			HourlyCallCap:    0,
			DailyDurationCap: 0,
			MinSuccessRate:   0.2,
			MaxFailureStreak: 10,
		},
		Health:    AgentHealth{Status: HealthHealthy},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddActiveCall appends call to the active set and recomputes the load
// counters. When the agent reaches capacity, availability flips to busy with
// an estimated-available-at of now + the call's estimated duration. Returns
// ErrAgentAtCapacity if the agent is already full.
func (t *AgentLoadTracker) AddActiveCall(call ActiveCall) error {
	if len(t.ActiveCalls) >= t.CurrentLoad.MaxConcurrentCalls {
		return ErrAgentAtCapacity
	}
	now := time.Now().UTC()
	if call.StartedAt.IsZero() {
		call.StartedAt = now
	}
	t.ActiveCalls = append(t.ActiveCalls, call)
	t.Availability.LastActiveAt = &now

	if len(t.ActiveCalls) >= t.CurrentLoad.MaxConcurrentCalls && t.Availability.Status == AgentAvailable {
		t.Availability.Status = AgentBusy
		est := now.Add(call.EstimatedDuration)
		t.Availability.EstimatedAvailableAt = &est
	}
	t.recompute(now)
	return nil
}

// RemoveActiveCall removes the in-flight call with the given execution id and
// recomputes counters. It is a no-op when the id is absent, so duplicate
// completion events must not double-decrement. Returns whether a call was
// removed.
func (t *AgentLoadTracker) RemoveActiveCall(executionID string) bool {
	idx := -1
	for i, c := range t.ActiveCalls {
		if c.ExecutionID == executionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	t.ActiveCalls = append(t.ActiveCalls[:idx], t.ActiveCalls[idx+1:]...)

	now := time.Now().UTC()
	if len(t.ActiveCalls) < t.CurrentLoad.MaxConcurrentCalls && t.Availability.Status == AgentBusy {
		t.Availability.Status = AgentAvailable
		t.Availability.EstimatedAvailableAt = nil
	}
	t.recompute(now)
	return true
}

// Enqueue appends a pending dispatch request to the call queue.
func (t *AgentLoadTracker) Enqueue(leadID, campaignID string, p Priority) {
	if p != PriorityHigh && p != PriorityMedium && p != PriorityLow {
		p = PriorityMedium
	}
	t.CallQueue = append(t.CallQueue, QueuedCall{
		LeadID:     leadID,
		CampaignID: campaignID,
		Priority:   p,
		EnqueuedAt: time.Now().UTC(),
	})
	t.recompute(time.Now().UTC())
}

// DequeueNext removes and returns the highest-priority queued call,
// tie-broken by earliest enqueue time (stable FIFO within a priority band).
// The second return is false when the queue is empty; callers must not treat
// an empty queue as an error.
func (t *AgentLoadTracker) DequeueNext() (QueuedCall, bool) {
	if len(t.CallQueue) == 0 {
		return QueuedCall{}, false
	}
	best := 0
	for i := 1; i < len(t.CallQueue); i++ {
		c, b := t.CallQueue[i], t.CallQueue[best]
		if c.Priority.rank() < b.Priority.rank() ||
			(c.Priority.rank() == b.Priority.rank() && c.EnqueuedAt.Before(b.EnqueuedAt)) {
			best = i
		}
	}
	next := t.CallQueue[best]
	t.CallQueue = append(t.CallQueue[:best], t.CallQueue[best+1:]...)
	t.recompute(time.Now().UTC())
	return next, true
}

// CompletionMetrics is the counter delta applied on a completed call.
type CompletionMetrics struct {
	Duration           time.Duration
	Cost               float64
	WasSuccessful      bool
	CustomerInterested bool
	SiteVisitScheduled bool
}

// RecordCompletion rolls the completion into all four performance windows
// atomically, never only one, and updates first/last call timestamps.
// Elapsed windows are reset before applying so counters never leak across a
// day/week/month boundary.
func (t *AgentLoadTracker) RecordCompletion(m CompletionMetrics, now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t.ResetWindows(now)

	t.Performance.Today.apply(m)
	t.Performance.ThisWeek.apply(m)
	t.Performance.ThisMonth.apply(m)
	t.Performance.AllTime.apply(m)

	if t.Performance.FirstCallAt == nil {
		first := now
		t.Performance.FirstCallAt = &first
	}
	last := now
	t.Performance.LastCallAt = &last
	t.UpdatedAt = now
}

// ResetWindows zeroes any rolling window whose period boundary has passed and
// advances the corresponding anchor. The all-time window is never reset.
func (t *AgentLoadTracker) ResetWindows(now time.Time) {
	if day := startOfDay(now); day.After(t.Performance.TodayStart) {
		t.Performance.Today = PerformanceWindow{}
		t.Performance.TodayStart = day
	}
	if week := startOfWeek(now); week.After(t.Performance.WeekStart) {
		t.Performance.ThisWeek = PerformanceWindow{}
		t.Performance.WeekStart = week
	}
	if month := startOfMonth(now); month.After(t.Performance.MonthStart) {
		t.Performance.ThisMonth = PerformanceWindow{}
		t.Performance.MonthStart = month
	}
}

// IsAvailable reports whether the agent can take another call right now.
func (t *AgentLoadTracker) IsAvailable() bool {
	return t.Availability.Status == AgentAvailable &&
		t.CurrentLoad.ActiveCalls < t.CurrentLoad.MaxConcurrentCalls
}

// AvailableSlots is the number of free concurrent-call slots.
func (t *AgentLoadTracker) AvailableSlots() int {
	n := t.CurrentLoad.MaxConcurrentCalls - t.CurrentLoad.ActiveCalls
	if n < 0 {
		return 0
	}
	return n
}

// SetAvailability applies an operator override (offline, maintenance) or
// returns the agent to service. Returning to service recomputes busy/available
// from current load.
func (t *AgentLoadTracker) SetAvailability(status AvailabilityStatus) {
	switch status {
	case AgentOffline, AgentMaintenance:
		t.Availability.Status = status
		t.Availability.EstimatedAvailableAt = nil
	default:
		if len(t.ActiveCalls) >= t.CurrentLoad.MaxConcurrentCalls {
			t.Availability.Status = AgentBusy
		} else {
			t.Availability.Status = AgentAvailable
		}
	}
	t.UpdatedAt = time.Now().UTC()
}

// RecordHealthIssue appends to the issue log and downgrades health status.
func (t *AgentLoadTracker) RecordHealthIssue(message string, status HealthStatus) {
	now := time.Now().UTC()
	t.Health.Issues = append(t.Health.Issues, HealthIssue{At: now, Message: message})
	t.Health.Status = status
	t.UpdatedAt = now
}

// RaiseAlert records a health alert and returns its id.
func (t *AgentLoadTracker) RaiseAlert(severity, message string) string {
	id := uuid.NewString()
	t.Health.Alerts = append(t.Health.Alerts, HealthAlert{
		ID:       id,
		At:       time.Now().UTC(),
		Severity: severity,
		Message:  message,
	})
	return id
}

// AcknowledgeAlert marks the alert with the given id as acknowledged.
// Returns false if no such alert exists.
func (t *AgentLoadTracker) AcknowledgeAlert(id string) bool {
	for i := range t.Health.Alerts {
		if t.Health.Alerts[i].ID == id {
			if !t.Health.Alerts[i].Acknowledged {
				now := time.Now().UTC()
				t.Health.Alerts[i].Acknowledged = true
				t.Health.Alerts[i].AcknowledgedAt = &now
			}
			return true
		}
	}
	return false
}

// recompute keeps CurrentLoad in lock-step with the underlying collections.
func (t *AgentLoadTracker) recompute(now time.Time) {
	t.CurrentLoad.ActiveCalls = len(t.ActiveCalls)
	t.CurrentLoad.QueuedCalls = len(t.CallQueue)
	t.UpdatedAt = now
}

// SelectLeastLoaded returns the available agent with the fewest active calls,
// tie-broken by fewest completions today so load spreads evenly across agents
// with equal concurrency. Returns nil when no agent is available.
func SelectLeastLoaded(trackers []*AgentLoadTracker) *AgentLoadTracker {
	var best *AgentLoadTracker
	for _, t := range trackers {
		if !t.IsAvailable() {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if t.CurrentLoad.ActiveCalls < best.CurrentLoad.ActiveCalls {
			best = t
		} else if t.CurrentLoad.ActiveCalls == best.CurrentLoad.ActiveCalls &&
			t.Performance.Today.CompletedCalls < best.Performance.Today.CompletedCalls {
			best = t
		}
	}
	return best
}

// SelectAvailableWithSlots filters agents that can take at least n more
// concurrent calls.
func SelectAvailableWithSlots(trackers []*AgentLoadTracker, n int) []*AgentLoadTracker {
	var out []*AgentLoadTracker
	for _, t := range trackers {
		if t.Availability.Status == AgentAvailable && t.AvailableSlots() >= n {
			out = append(out, t)
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	// ISO week: Monday is day 0
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
