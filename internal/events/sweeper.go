package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/api/middleware"
	"dispatch-engine-go/internal/domain"
	"dispatch-engine-go/internal/store"
)

// Sweeper periodically re-runs failed events whose backoff has elapsed, and
// drives pending events that were ingested but whose inline processing never
// completed (crash between ingest and process).
type Sweeper struct {
	store     store.Store
	processor *Processor
	policy    RetryPolicy
	logger    *zap.Logger

	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a retry sweeper. It does not start it.
func NewSweeper(st store.Store, processor *Processor, policy RetryPolicy, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     st,
		processor: processor,
		policy:    policy,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start launches the sweep loop. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	s.logger.Info("event retry sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("event retry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retry pass: every retryable event whose backoff has elapsed
// gets one processing attempt. Failures stay in the store for the next pass
// until attempts run out.
func (s *Sweeper) Sweep(ctx context.Context) {
	events, err := s.store.ListRetryableEvents(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list retryable events", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	retried := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		if ev.Processing.Status == domain.ProcessingFailed && !s.policy.Due(ev, now) {
			continue
		}
		if ev.Processing.Attempts > 0 {
			middleware.EventRetriesTotal.Inc()
		}
		retried++
		if err := s.processor.Process(ctx, ev.ID); err != nil {
			s.logger.Warn("event retry failed",
				zap.String("event_id", ev.ID),
				zap.String("execution_id", ev.ExecutionID),
				zap.Int("attempts", ev.Processing.Attempts+1),
				zap.Error(err))
		}
	}

	if retried > 0 {
		s.logger.Info("event retry sweep finished",
			zap.Int("candidates", len(events)),
			zap.Int("attempted", retried))
	}
}
