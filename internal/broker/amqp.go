package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/osrd-project/osrdyne/internal/apperrors"
	"github.com/osrd-project/osrdyne/internal/keycodec"
)

// DeclareTopology idempotently declares every exchange and utility queue a
// pool owns, and binds the utility queues to their respective fanout
// exchanges (spec.md §4.7 "setup declares the four exchanges and three
// utility queues, binds them").
func DeclareTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.RequestExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return wrapProtocol("declare request exchange", err)
	}
	for _, name := range []string{t.OrphanExchange, t.DeadLetterExch, t.ActivityExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return wrapProtocol("declare fanout exchange "+name, err)
		}
	}

	bindings := []struct {
		queue    string
		exchange string
		args     amqp.Table
	}{
		// The orphan queue dead-letters rejected messages (worker-creation
		// timeout) into the dead-letter exchange, per spec.md §4.6 "If step
		// 3 times out ... the message is nacked to the dead-letter queue".
		{t.OrphanQueue, t.OrphanExchange, amqp.Table{"x-dead-letter-exchange": t.DeadLetterExch}},
		{t.DeadLetterQueue, t.DeadLetterExch, nil},
		{t.ActivityQueue, t.ActivityExchange, nil},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, true, false, b.args); err != nil {
			return wrapProtocol("declare utility queue "+b.queue, err)
		}
		if err := ch.QueueBind(b.queue, "", b.exchange, false, nil); err != nil {
			return wrapProtocol("bind utility queue "+b.queue, err)
		}
	}
	return nil
}

// DeclareRequestQueue declares (or re-declares, idempotently) the per-key
// request queue with the pool's dead-letter/alternate-exchange arguments
// (spec.md §4.5 "→ Active").
func DeclareRequestQueue(ch *amqp.Channel, t Topology, key string, args amqp.Table) error {
	_, err := ch.QueueDeclare(t.RequestQueueName(key), true, false, false, false, args)
	if err != nil {
		return wrapProtocol("declare request queue for "+key, err)
	}
	return nil
}

// BindRequestQueue binds the per-key request queue to the request exchange
// with routing key = the percent-encoded key (spec.md §4.5 "bind ... with
// routing key = encoded Key").
func BindRequestQueue(ch *amqp.Channel, t Topology, key string) error {
	encoded := keycodec.Encode([]byte(key))
	err := ch.QueueBind(t.RequestQueuePrefix+encoded, encoded, t.RequestExchange, false, nil)
	if err != nil {
		return wrapProtocol("bind request queue for "+key, err)
	}
	return nil
}

// UnbindRequestQueue reverses BindRequestQueue.
func UnbindRequestQueue(ch *amqp.Channel, t Topology, key string) error {
	encoded := keycodec.Encode([]byte(key))
	err := ch.QueueUnbind(t.RequestQueuePrefix+encoded, encoded, t.RequestExchange, nil)
	if err != nil {
		return wrapProtocol("unbind request queue for "+key, err)
	}
	return nil
}

// DeleteRequestQueueNonEmptyGuard deletes the per-key request queue,
// refusing (per spec.md §4.5 "with the non-empty guard") if it still holds
// messages.
func DeleteRequestQueueNonEmptyGuard(ch *amqp.Channel, t Topology, key string) error {
	_, err := ch.QueueDelete(t.RequestQueueName(key), false, true, false)
	if err != nil {
		if isPreconditionFailed(err) {
			return apperrors.QueueNotEmpty(key)
		}
		return wrapProtocol("delete request queue for "+key, err)
	}
	return nil
}

// Consume starts consuming queueName with the given prefetch (spec.md §4.6
// "Back-pressured by broker prefetch").
func Consume(ch *amqp.Channel, queueName, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, wrapProtocol("set qos", err)
	}
	deliveries, err := ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, wrapProtocol("consume "+queueName, err)
	}
	return deliveries, nil
}

// PublishRequest republishes a message to the request exchange with the
// given routing key, preserving correlation-id/reply-to (spec.md §4.6
// "Republish the message to the request exchange with the same routing
// key").
func PublishRequest(ctx context.Context, ch *amqp.Channel, t Topology, routingKey string, msg amqp.Publishing) error {
	err := ch.PublishWithContext(ctx, t.RequestExchange, routingKey, false, false, msg)
	if err != nil {
		return wrapProtocol("publish to request exchange", err)
	}
	return nil
}

// PublishReply sends a synthetic RPC failure reply directly to the default
// exchange using the original message's reply-to as the routing key
// (spec.md §4.6 "Dead-letter processor").
func PublishReply(ctx context.Context, ch *amqp.Channel, replyTo string, msg amqp.Publishing) error {
	err := ch.PublishWithContext(ctx, "", replyTo, false, false, msg)
	if err != nil {
		return wrapProtocol("publish reply", err)
	}
	return nil
}

func wrapProtocol(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeBrokerProtocol, op, err)
}

func isPreconditionFailed(err error) bool {
	amqpErr, ok := err.(*amqp.Error)
	return ok && amqpErr.Code == amqp.PreconditionFailed
}
