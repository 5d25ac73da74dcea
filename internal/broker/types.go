// Package broker wraps the AMQP transport and the broker's management HTTP
// API behind small typed façades, grounded on the streadway/amqp usage
// patterns the example pack's AMQP broker carries (Exchange/Qos/Consume/
// Publish) and adapted to github.com/rabbitmq/amqp091-go, the actively
// maintained successor of that driver.
package broker

import "github.com/osrd-project/osrdyne/internal/keycodec"

// Queue is the subset of the management API's queue representation the
// queue controller needs during its startup reconciliation.
type Queue struct {
	Name     string
	Vhost    string
	Messages int
	Durable  bool
}

// Policy mirrors the broker's policy document shape used for both the
// exchange policy (dead-letter/alternate-exchange) and the per-key request
// queue policy (TTL/length limits).
type Policy struct {
	Pattern    string         `json:"pattern"`
	Definition map[string]any `json:"definition"`
	Priority   int            `json:"priority"`
	ApplyTo    string         `json:"apply-to"` // "exchanges", "queues", or "all"
}

// Topology names every exchange and utility queue a single Pool owns.
// Per-key request queue names are derived from RequestQueuePrefix.
type Topology struct {
	RequestExchange  string // direct
	OrphanExchange   string // fanout
	DeadLetterExch   string // fanout
	ActivityExchange string // fanout

	OrphanQueue     string // exclusive, bound to OrphanExchange
	DeadLetterQueue string // exclusive, bound to DeadLetterExch
	ActivityQueue   string // exclusive, bound to ActivityExchange

	RequestQueuePrefix string // "{pool_prefix}-req-"
}

// RequestQueueName returns the per-key request queue name for key, percent
// encoding it via internal/keycodec so the name is safe as an AMQP queue
// name regardless of what bytes key contains.
func (t Topology) RequestQueueName(key string) string {
	return t.RequestQueuePrefix + keycodec.Encode([]byte(key))
}

// ExchangePolicyName and QueuePolicyName name the two policies the queue
// controller installs at startup (spec.md §4.5 "Policy installation").
func (t Topology) ExchangePolicyName() string {
	return t.RequestExchange + "-policy"
}

func (t Topology) QueuePolicyName() string {
	return t.RequestQueuePrefix + "policy"
}
