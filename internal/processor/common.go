// Package processor implements the three concurrent consumers of spec.md
// §4.6: the activity processor keeps keys alive, the orphan processor
// re-delivers requests that raced an unbound queue, and the dead-letter
// processor turns stuck requests into structured RPC failures instead of
// leaving API-server callers hanging.
package processor

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/queuecontroller"
)

// QueueRequirer is the slice of Tracker a processor needs.
type QueueRequirer interface {
	RequireQueue(ctx context.Context, key string, extra time.Duration) (uint64, error)
}

// QueuesStateWatcher is the slice of queuecontroller.Controller a processor
// needs.
type QueuesStateWatcher interface {
	Subscribe(ctx context.Context) (<-chan queuecontroller.QueuesState, error)
}

// Deliveries abstracts an AMQP consumer so processors can be driven by a
// fake channel in tests instead of a live broker connection.
type Deliveries = <-chan amqp.Delivery

func logDeliveryError(logger *logrus.Entry, stage string, err error) {
	logger.WithError(err).WithField("stage", stage).Error("message processor error")
}
