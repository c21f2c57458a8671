package queue

import (
	"context"
	"log/slog"

	"github.com/dovewarden/retryq/internal/webhook"
)

// WebhookHandler handles items by posting their ids to an HTTP endpoint.
type WebhookHandler struct {
	client *webhook.Client
	queue  string
	logger *slog.Logger
}

// NewWebhookHandler creates a handler delivering ids of the named queue.
func NewWebhookHandler(client *webhook.Client, queue string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		client: client,
		queue:  queue,
		logger: logger,
	}
}

// Handle posts ids to the webhook
func (h *WebhookHandler) Handle(ctx context.Context, ids []string) error {
	h.logger.Debug("Delivering items", "queue", h.queue, "ids", ids)

	if err := h.client.Deliver(ctx, h.queue, ids); err != nil {
		h.logger.Error("Delivery failed", "queue", h.queue, "ids", ids, "error", err)
		return err
	}

	h.logger.Debug("Delivery completed", "queue", h.queue, "count", len(ids))
	return nil
}
