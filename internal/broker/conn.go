package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/apperrors"
	"github.com/osrd-project/osrdyne/internal/resilience"
)

// Conn wraps a single AMQP connection shared read-only across every actor
// in a pool (spec.md §5 "Shared resources"): each actor that needs I/O opens
// its own channel from it, never sharing a channel across goroutines.
type Conn struct {
	uri   string
	mu    sync.Mutex
	inner *amqp.Connection
}

// DialWithRetry opens an AMQP connection, retrying with the given backoff
// policy. A failure to connect at all is fatal to process startup (spec.md
// §6 "Exit codes", code 2).
func DialWithRetry(ctx context.Context, uri string, cfg resilience.RetryConfig, logger *logrus.Entry) (*Conn, error) {
	c := &Conn{uri: uri}
	err := resilience.Retry(ctx, cfg, func() error {
		conn, dialErr := amqp.Dial(uri)
		if dialErr != nil {
			logger.WithError(dialErr).Warn("amqp dial failed, retrying")
			return dialErr
		}
		c.mu.Lock()
		c.inner = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBrokerUnreachable, "failed to dial broker", err)
	}
	return c, nil
}

// Channel opens a fresh AMQP channel. Callers own its lifecycle and must
// close it when done.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.inner
	c.mu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBrokerProtocol, "failed to open channel", err)
	}
	return ch, nil
}

// NotifyClose forwards the underlying connection's close notifications to
// receiver. Neither the pool facade nor cmd/osrdyne subscribes to it, so a
// dropped broker connection does not by itself reconnect or stop the
// process.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.NotifyClose(receiver)
}

// Close closes the underlying AMQP connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
