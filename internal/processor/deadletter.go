package processor

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/apperrors"
)

// ReplyPublisher sends a synthetic RPC failure reply directly to a caller's
// reply-to queue.
type ReplyPublisher interface {
	PublishReply(ctx context.Context, replyTo string, msg amqp.Publishing) error
}

// failureReply is the structured body returned to a caller whose request
// died in the dead-letter queue instead of being answered by a worker
// (spec.md §4.6 "Dead-letter processor").
type failureReply struct {
	Error struct {
		Code    apperrors.Code   `json:"code"`
		Reason  apperrors.Reason `json:"reason"`
		Message string           `json:"message"`
	} `json:"error"`
}

// DeadLetterProcessor consumes the dead-letter queue and completes the
// original caller's pending RPC with a structured failure instead of
// leaving it to time out silently.
type DeadLetterProcessor struct {
	replies    ReplyPublisher
	deliveries Deliveries
	logger     *logrus.Entry
}

func NewDeadLetterProcessor(replies ReplyPublisher, deliveries Deliveries, logger *logrus.Entry) *DeadLetterProcessor {
	return &DeadLetterProcessor{replies: replies, deliveries: deliveries, logger: logger}
}

func (p *DeadLetterProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-p.deliveries:
			if !ok {
				return
			}
			p.handle(ctx, d)
		}
	}
}

func (p *DeadLetterProcessor) handle(ctx context.Context, d amqp.Delivery) {
	if d.ReplyTo == "" {
		// Nothing waiting on this request (fire-and-forget activity/orphan
		// traffic); nothing to reply to.
		_ = d.Ack(false)
		return
	}

	reason := classifyDeathReason(d)
	reply := failureReply{}
	reply.Error.Code = apperrors.CodeBrokerProtocol
	reply.Error.Reason = reason
	reply.Error.Message = "request could not be delivered to a worker: " + string(reason)

	body, err := json.Marshal(reply)
	if err != nil {
		logDeliveryError(p.logger, "deadletter-marshal", err)
		_ = d.Nack(false, false)
		return
	}

	err = p.replies.PublishReply(ctx, d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		logDeliveryError(p.logger, "deadletter-publish-reply", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// classifyDeathReason inspects the standard x-death header RabbitMQ
// attaches to dead-lettered messages to pick the closest apperrors.Reason.
func classifyDeathReason(d amqp.Delivery) apperrors.Reason {
	deaths, ok := d.Headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return apperrors.ReasonWorkerCrashed
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return apperrors.ReasonWorkerCrashed
	}
	switch first["reason"] {
	case "expired":
		return apperrors.ReasonTimeout
	case "rejected":
		return apperrors.ReasonNoWorker
	case "maxlen":
		return apperrors.ReasonQueueUnavailable
	default:
		return apperrors.ReasonWorkerCrashed
	}
}
