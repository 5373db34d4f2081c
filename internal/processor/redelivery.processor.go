package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/queue"
	"github.com/nimasrn/support-desk/internal/services"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/prom"
)

type Redeliverer interface {
	Redeliver(ctx context.Context, replyID string) error
}

// RedeliveryProcessor retries emails of admin replies whose inline delivery failed.
type RedeliveryProcessor struct {
	dispatcher  Redeliverer
	idempotency *IdempotencyService
}

func NewRedeliveryProcessor(dispatcher Redeliverer, idempotency *IdempotencyService) *RedeliveryProcessor {
	return &RedeliveryProcessor{
		dispatcher:  dispatcher,
		idempotency: idempotency,
	}
}

func (p *RedeliveryProcessor) GetType() string {
	return "delivery-retry"
}

// Process returns nil when the entry should be acknowledged and an error when
// the queue should hand it out again.
func (p *RedeliveryProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var event model.DeliveryRetryEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.ReplyID == "" {
		logger.Error("invalid redelivery event", "stream_id", msg.ID, "error", err)
		prom.IncRedelivery("invalid")
		return fmt.Errorf("invalid redelivery event %s", msg.ID)
	}

	pc, err := p.idempotency.AcquireProcessingLock(ctx, event.ReplyID)
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		logger.Info("reply already redelivered, skipping", "message_id", event.ReplyID)
		return nil
	case errors.Is(err, ErrMaxRetriesExceeded):
		logger.Error("giving up on reply redelivery", "message_id", event.ReplyID, "error", err)
		prom.IncRedelivery("exhausted")
		return nil
	case err != nil:
		return err
	}
	defer p.idempotency.ReleaseLock(ctx, pc) //nolint:errcheck

	logger.Info("redelivering reply",
		"message_id", event.ReplyID,
		"reason", event.Reason,
		"retry_count", pc.RetryCount,
		"attempts", msg.Attempts)

	err = p.dispatcher.Redeliver(ctx, event.ReplyID)
	switch {
	case err == nil:
		if markErr := p.idempotency.MarkSuccess(ctx, pc); markErr != nil {
			logger.Error("failed to mark redelivery success", "message_id", event.ReplyID, "error", markErr)
		}
		prom.IncRedelivery("delivered")
		return nil
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrInvalidPayload):
		logger.Warn("dropping redelivery of unknown reply", "message_id", event.ReplyID, "error", err)
		prom.IncRedelivery("dropped")
		return nil
	default:
		if markErr := p.idempotency.MarkFailure(ctx, pc, err); markErr != nil {
			logger.Error("failed to mark redelivery failure", "message_id", event.ReplyID, "error", markErr)
		}
		prom.IncRedelivery("failed")
		return err
	}
}
