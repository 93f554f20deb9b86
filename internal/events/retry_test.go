package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dispatch-engine-go/internal/domain"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute}

	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, time.Minute, p.Delay(2))
	assert.Equal(t, 2*time.Minute, p.Delay(3))
	assert.Equal(t, 8*time.Minute, p.Delay(5))
	// Caps at MaxDelay from attempt 6 on.
	assert.Equal(t, 10*time.Minute, p.Delay(6))
	assert.Equal(t, 10*time.Minute, p.Delay(50))
	// Out-of-range attempt treated as first.
	assert.Equal(t, 30*time.Second, p.Delay(0))
}

func TestRetryPolicyDue(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never attempted is always due", func(t *testing.T) {
		ev := domain.NewEventRecord("e", domain.EventCallCompleted, nil, domain.ProcessedData{}, 3)
		assert.True(t, p.Due(ev, now))
	})

	t.Run("waits out the backoff", func(t *testing.T) {
		ev := domain.NewEventRecord("e", domain.EventCallCompleted, nil, domain.ProcessedData{}, 3)
		attempt := now.Add(-10 * time.Second)
		ev.Processing.Attempts = 1
		ev.Processing.LastAttemptAt = &attempt

		assert.False(t, p.Due(ev, now))
		assert.True(t, p.Due(ev, now.Add(25*time.Second)))
	})

	t.Run("second attempt doubles the wait", func(t *testing.T) {
		ev := domain.NewEventRecord("e", domain.EventCallCompleted, nil, domain.ProcessedData{}, 3)
		attempt := now.Add(-45 * time.Second)
		ev.Processing.Attempts = 2
		ev.Processing.LastAttemptAt = &attempt

		assert.False(t, p.Due(ev, now))
		assert.True(t, p.Due(ev, now.Add(20*time.Second)))
	})
}
