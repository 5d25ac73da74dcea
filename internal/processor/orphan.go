package processor

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/keycodec"
	"github.com/osrd-project/osrdyne/internal/queuecontroller"
)

// RequestPublisher republishes a message to a pool's request exchange.
type RequestPublisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// DefaultOrphanReadyTimeout bounds how long the orphan processor waits for
// a worker's request queue to become Active before giving up (spec.md §5
// "bounded wait (default 30 s) for worker readiness").
const DefaultOrphanReadyTimeout = 30 * time.Second

// OrphanProcessor consumes the orphan queue: messages that raced an unbound
// or not-yet-created request queue and were routed here via the request
// exchange's alternate-exchange policy (spec.md §4.6 "Orphan processor").
type OrphanProcessor struct {
	tracker     QueueRequirer
	queuesState QueuesStateWatcher
	publisher   RequestPublisher
	deliveries  Deliveries
	grace       time.Duration
	readyWait   time.Duration
	logger      *logrus.Entry
	onTimeout   func()
}

// OnTimeout registers a hook invoked every time a message is dead-lettered
// after timing out waiting for worker readiness, so callers can wire a
// metrics counter without the processor depending on the metrics package.
func (p *OrphanProcessor) OnTimeout(hook func()) {
	p.onTimeout = hook
}

func NewOrphanProcessor(
	tracker QueueRequirer,
	queuesState QueuesStateWatcher,
	publisher RequestPublisher,
	deliveries Deliveries,
	grace time.Duration,
	readyWait time.Duration,
	logger *logrus.Entry,
) *OrphanProcessor {
	if readyWait <= 0 {
		readyWait = DefaultOrphanReadyTimeout
	}
	return &OrphanProcessor{
		tracker:     tracker,
		queuesState: queuesState,
		publisher:   publisher,
		deliveries:  deliveries,
		grace:       grace,
		readyWait:   readyWait,
		logger:      logger,
	}
}

func (p *OrphanProcessor) Run(ctx context.Context) {
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

func (p *OrphanProcessor) handle(ctx context.Context, d amqp.Delivery) {
	key, err := keycodec.Decode(d.RoutingKey)
	if err != nil {
		logDeliveryError(p.logger, "orphan-decode", err)
		_ = d.Nack(false, false)
		return
	}
	encodedKey := d.RoutingKey
	stringKey := string(key)

	generation, err := p.tracker.RequireQueue(ctx, stringKey, p.grace)
	if err != nil {
		logDeliveryError(p.logger, "orphan-require", err)
		_ = d.Nack(false, false)
		return
	}

	if !p.waitForReady(ctx, stringKey, generation) {
		p.logger.WithField("key", stringKey).Warn("orphan processor timed out waiting for worker readiness")
		if p.onTimeout != nil {
			p.onTimeout()
		}
		_ = d.Nack(false, false) // dead-lettered per the orphan queue's x-dead-letter-exchange argument
		return
	}

	err = p.publisher.Publish(ctx, encodedKey, amqp.Publishing{
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Body:          d.Body,
	})
	if err != nil {
		logDeliveryError(p.logger, "orphan-republish", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (p *OrphanProcessor) waitForReady(ctx context.Context, key string, generation uint64) bool {
	sub, err := p.queuesState.Subscribe(ctx)
	if err != nil {
		return false
	}

	timeout := time.NewTimer(p.readyWait)
	defer timeout.Stop()

	for {
		select {
		case state, ok := <-sub:
			if !ok {
				return false
			}
			if state.TargetGeneration < generation {
				continue
			}
			obs, ok := state.Status(key)
			if ok && obs.Status == queuecontroller.ObservedActive {
				return true
			}
		case <-timeout.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
