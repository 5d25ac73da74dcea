package processor

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/keycodec"
)

// ActivityProcessor consumes the activity queue: every message carries a
// Key (its body, percent-encoded the same way a routing key is), and for
// each one it renews that key's lifetime via RequireQueue(key, extra=0)
// before acking (spec.md §4.6 "Activity processor").
type ActivityProcessor struct {
	tracker    QueueRequirer
	deliveries Deliveries
	logger     *logrus.Entry
}

func NewActivityProcessor(tracker QueueRequirer, deliveries Deliveries, logger *logrus.Entry) *ActivityProcessor {
	return &ActivityProcessor{tracker: tracker, deliveries: deliveries, logger: logger}
}

// Run processes deliveries in the order the broker delivers them
// (prefetch-bounded FIFO, spec.md §5 "Ordering") until ctx is canceled or
// the delivery channel closes.
func (p *ActivityProcessor) Run(ctx context.Context) {
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

func (p *ActivityProcessor) handle(ctx context.Context, d amqp.Delivery) {
	key, err := keycodec.Decode(string(d.Body))
	if err != nil {
		logDeliveryError(p.logger, "activity-decode", err)
		_ = d.Nack(false, false)
		return
	}
	if _, err := p.tracker.RequireQueue(ctx, string(key), 0); err != nil {
		logDeliveryError(p.logger, "activity-require", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
