package events

import (
	"math"
	"time"

	"dispatch-engine-go/internal/domain"
)

// RetryPolicy gates reprocessing of failed events. Delays double per attempt
// starting from BaseDelay, capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy matches the engine's default sweep cadence.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 30 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

// Delay returns the wait after the given attempt number (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Due reports whether the event's backoff has elapsed at now. Events that
// were never attempted are always due.
func (p RetryPolicy) Due(ev *domain.EventRecord, now time.Time) bool {
	if ev.Processing.Attempts == 0 || ev.Processing.LastAttemptAt == nil {
		return true
	}
	return !now.Before(ev.Processing.LastAttemptAt.Add(p.Delay(ev.Processing.Attempts)))
}
