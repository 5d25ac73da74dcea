package queuecontroller

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/osrd-project/osrdyne/internal/broker"
)

// BrokerOps is the narrow slice of broker operations the controller needs,
// kept as an interface so tests can exercise reconciliation logic against a
// fake instead of a live broker connection.
type BrokerOps interface {
	// Prefix returns the per-key request queue prefix, used by the
	// controller's startup reconciliation to recognize its own queues.
	Prefix() string
	ListQueues(ctx context.Context) ([]broker.Queue, error)
	DeclareRequestQueue(ctx context.Context, key string) error
	BindRequestQueue(ctx context.Context, key string) error
	UnbindRequestQueue(ctx context.Context, key string) error
	DeleteRequestQueue(ctx context.Context, key string) error
	SetExchangePolicy(ctx context.Context) error
	SetQueuePolicy(ctx context.Context) error
	RemoveQueuePolicy(ctx context.Context) error
}

// liveBrokerOps implements BrokerOps against a real AMQP connection and
// management client.
type liveBrokerOps struct {
	conn       *broker.Conn
	management *broker.ManagementClient
	topology   broker.Topology
	queueArgs  amqp.Table
}

// NewLiveBrokerOps builds the production BrokerOps implementation.
func NewLiveBrokerOps(conn *broker.Conn, management *broker.ManagementClient, topology broker.Topology, queueArgs amqp.Table) BrokerOps {
	return &liveBrokerOps{conn: conn, management: management, topology: topology, queueArgs: queueArgs}
}

func (o *liveBrokerOps) Prefix() string {
	return o.topology.RequestQueuePrefix
}

func (o *liveBrokerOps) ListQueues(ctx context.Context) ([]broker.Queue, error) {
	return o.management.ListQueues(ctx)
}

func (o *liveBrokerOps) DeclareRequestQueue(ctx context.Context, key string) error {
	ch, err := o.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	args := amqp.Table{}
	for k, v := range o.queueArgs {
		args[k] = v
	}
	args["x-dead-letter-exchange"] = o.topology.DeadLetterExch
	args["x-alternate-exchange"] = o.topology.OrphanExchange
	return broker.DeclareRequestQueue(ch, o.topology, key, args)
}

func (o *liveBrokerOps) BindRequestQueue(ctx context.Context, key string) error {
	ch, err := o.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.BindRequestQueue(ch, o.topology, key)
}

func (o *liveBrokerOps) UnbindRequestQueue(ctx context.Context, key string) error {
	ch, err := o.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.UnbindRequestQueue(ch, o.topology, key)
}

func (o *liveBrokerOps) DeleteRequestQueue(ctx context.Context, key string) error {
	ch, err := o.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.DeleteRequestQueueNonEmptyGuard(ch, o.topology, key)
}

func (o *liveBrokerOps) SetExchangePolicy(ctx context.Context) error {
	return o.management.SetPolicy(ctx, o.topology.ExchangePolicyName(), broker.Policy{
		Pattern: "^" + o.topology.RequestExchange + "$",
		Definition: map[string]any{
			"dead-letter-exchange": o.topology.DeadLetterExch,
			"alternate-exchange":   o.topology.OrphanExchange,
		},
		Priority: 0,
		ApplyTo:  "exchanges",
	})
}

func (o *liveBrokerOps) SetQueuePolicy(ctx context.Context) error {
	if len(o.queueArgs) == 0 {
		return o.RemoveQueuePolicy(ctx)
	}
	definition := make(map[string]any, len(o.queueArgs))
	for k, v := range o.queueArgs {
		definition[k] = v
	}
	return o.management.SetPolicy(ctx, o.topology.QueuePolicyName(), broker.Policy{
		Pattern:    "^" + o.topology.RequestQueuePrefix,
		Definition: definition,
		Priority:   0,
		ApplyTo:    "queues",
	})
}

func (o *liveBrokerOps) RemoveQueuePolicy(ctx context.Context) error {
	return o.management.RemovePolicy(ctx, o.topology.QueuePolicyName())
}
