package processor

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osrd-project/osrdyne/internal/keycodec"
)

type fakeRequirer struct {
	calls []string
	err   error
}

func (f *fakeRequirer) RequireQueue(_ context.Context, key string, _ time.Duration) (uint64, error) {
	f.calls = append(f.calls, key)
	if f.err != nil {
		return 0, f.err
	}
	return uint64(len(f.calls)), nil
}

func TestActivityProcessorRequiresAndAcks(t *testing.T) {
	tracker := &fakeRequirer{}
	deliveries := make(chan amqp.Delivery, 1)
	p := NewActivityProcessor(tracker, deliveries, logrus.NewEntry(logrus.New()))

	encoded := keycodec.Encode([]byte("key-1"))
	deliveries <- amqp.Delivery{Body: []byte(encoded)}
	close(deliveries)

	p.Run(context.Background())

	require.Len(t, tracker.calls, 1)
	assert.Equal(t, "key-1", tracker.calls[0])
}

func TestActivityProcessorDropsUndecodableKey(t *testing.T) {
	tracker := &fakeRequirer{}
	deliveries := make(chan amqp.Delivery, 1)
	p := NewActivityProcessor(tracker, deliveries, logrus.NewEntry(logrus.New()))

	deliveries <- amqp.Delivery{Body: []byte("%zz")}
	close(deliveries)

	p.Run(context.Background())
	assert.Empty(t, tracker.calls)
}
