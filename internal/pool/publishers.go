package pool

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/osrd-project/osrdyne/internal/broker"
)

// requestPublisher adapts broker.Conn into processor.RequestPublisher,
// opening a fresh channel per publish (spec.md §5 "each actor that needs
// I/O opens its own channel").
type requestPublisher struct {
	conn     *broker.Conn
	topology broker.Topology
}

func (p *requestPublisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.PublishRequest(ctx, ch, p.topology, routingKey, msg)
}

// replyPublisher adapts broker.Conn into processor.ReplyPublisher.
type replyPublisher struct {
	conn *broker.Conn
}

func (p *replyPublisher) PublishReply(ctx context.Context, replyTo string, msg amqp.Publishing) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.PublishReply(ctx, ch, replyTo, msg)
}
