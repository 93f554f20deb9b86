package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/models"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler receives provider call-event notifications
type WebhookHandler struct {
	processor *events.Processor
	logger    *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(processor *events.Processor, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		processor: processor,
		logger:    logger,
	}
}

// Handle handles POST /api/v1/webhooks/call-events. The event is stored and
// acked immediately; processing runs after the ack so a slow database write
// never makes the provider time out and redeliver.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ev, err := h.processor.Ingest(ctx, raw)
	if err != nil {
		if errors.Is(err, events.ErrBadPayload) {
			respondWithError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		if errors.Is(err, events.ErrMissingExecutionID) {
			respondWithError(w, http.StatusBadRequest, "execution_id is required")
			return
		}
		h.logger.Error("webhook ingest failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	// Inline processing, detached from the request context. Failures are
	// retried by the sweeper; the ack already went out either way.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := h.processor.Process(ctx, ev.ID); err != nil {
			h.logger.Warn("inline event processing failed, sweeper will retry",
				zap.String("event_id", ev.ID),
				zap.String("execution_id", ev.ExecutionID),
				zap.Error(err))
		}
	}()

	respondWithJSON(w, http.StatusOK, models.WebhookAck{
		Received: true,
		EventID:  ev.ID,
	})
}
