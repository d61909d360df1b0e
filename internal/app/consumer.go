package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/o42sam/faceswap-server/internal/domain"
)

// PaymentEventConsumer bridges the payment event queue to the reconciliation
// engine. Malformed payloads are acknowledged and dropped; processing
// failures nack so the broker redelivers (the idempotence marker makes
// redelivery harmless).
type PaymentEventConsumer struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewPaymentEventConsumer creates a consumer feeding the given reconciler.
func NewPaymentEventConsumer(reconciler *Reconciler, logger *slog.Logger) *PaymentEventConsumer {
	return &PaymentEventConsumer{reconciler: reconciler, logger: logger}
}

// HandleMessage processes one queued payload. The returned bool is the ack
// decision: true acknowledges, false requeues.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var ev domain.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.logger.Error("unparseable payment event payload dropped", "error", err)
		return true
	}
	if ev.EventID == "" {
		c.logger.Error("payment event without id dropped")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.reconciler.Apply(ctx, ev); err != nil {
		c.logger.Error("payment event processing failed; requeueing",
			"event_id", ev.EventID, "error", err)
		return false
	}
	return true
}
