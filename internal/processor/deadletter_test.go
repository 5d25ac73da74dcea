package processor

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osrd-project/osrdyne/internal/apperrors"
)

type fakeReplyPublisher struct {
	replyTo []string
	bodies  [][]byte
	err     error
}

func (f *fakeReplyPublisher) PublishReply(_ context.Context, replyTo string, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.replyTo = append(f.replyTo, replyTo)
	f.bodies = append(f.bodies, msg.Body)
	return nil
}

func TestDeadLetterProcessorRepliesWithStructuredFailure(t *testing.T) {
	replies := &fakeReplyPublisher{}
	deliveries := make(chan amqp.Delivery, 1)
	p := NewDeadLetterProcessor(replies, deliveries, logrus.NewEntry(logrus.New()))

	deliveries <- amqp.Delivery{
		ReplyTo:       "caller-reply-queue",
		CorrelationId: "corr-42",
		Headers: amqp.Table{
			"x-death": []any{amqp.Table{"reason": "expired"}},
		},
	}
	close(deliveries)

	p.Run(context.Background())

	require.Len(t, replies.replyTo, 1)
	assert.Equal(t, "caller-reply-queue", replies.replyTo[0])

	var reply failureReply
	require.NoError(t, json.Unmarshal(replies.bodies[0], &reply))
	assert.Equal(t, apperrors.ReasonTimeout, reply.Error.Reason)
}

func TestDeadLetterProcessorSkipsMessagesWithNoReplyTo(t *testing.T) {
	replies := &fakeReplyPublisher{}
	deliveries := make(chan amqp.Delivery, 1)
	p := NewDeadLetterProcessor(replies, deliveries, logrus.NewEntry(logrus.New()))

	deliveries <- amqp.Delivery{ReplyTo: ""}
	close(deliveries)

	p.Run(context.Background())
	assert.Empty(t, replies.replyTo)
}

func TestClassifyDeathReason(t *testing.T) {
	cases := []struct {
		reason string
		want   apperrors.Reason
	}{
		{"expired", apperrors.ReasonTimeout},
		{"rejected", apperrors.ReasonNoWorker},
		{"maxlen", apperrors.ReasonQueueUnavailable},
		{"unknown-reason", apperrors.ReasonWorkerCrashed},
	}
	for _, c := range cases {
		d := amqp.Delivery{Headers: amqp.Table{"x-death": []any{amqp.Table{"reason": c.reason}}}}
		assert.Equal(t, c.want, classifyDeathReason(d))
	}
}

func TestClassifyDeathReasonMissingHeaderDefaultsToWorkerCrashed(t *testing.T) {
	assert.Equal(t, apperrors.ReasonWorkerCrashed, classifyDeathReason(amqp.Delivery{}))
}
