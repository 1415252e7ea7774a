package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmq/conduit-go/contracts"
)

func TestAttemptCountFromDeliveryCount(t *testing.T) {
	base := func(headers amqp.Table) *amqp.Delivery {
		return &amqp.Delivery{
			MessageId:   "m1",
			DeliveryTag: 7,
			Body:        []byte("payload"),
			Headers:     headers,
		}
	}

	t.Run("first delivery has no count header", func(t *testing.T) {
		msg, err := fromDelivery(base(amqp.Table{}))
		require.NoError(t, err)
		assert.Equal(t, 1, msg.AttemptCount)
	})

	t.Run("each redelivery raises the attempt count", func(t *testing.T) {
		for count, want := range map[int64]int{1: 2, 2: 3, 3: 4} {
			msg, err := fromDelivery(base(amqp.Table{"x-delivery-count": count}))
			require.NoError(t, err)
			assert.Equal(t, want, msg.AttemptCount)
		}
	})

	t.Run("count survives broker header type variants", func(t *testing.T) {
		for _, raw := range []any{int32(3), int64(3), "3"} {
			msg, err := fromDelivery(base(amqp.Table{"x-delivery-count": raw}))
			require.NoError(t, err)
			assert.Equal(t, 4, msg.AttemptCount)
		}
	})

	t.Run("unparseable count falls back to first delivery", func(t *testing.T) {
		msg, err := fromDelivery(base(amqp.Table{"x-delivery-count": "many"}))
		require.NoError(t, err)
		assert.Equal(t, 1, msg.AttemptCount)
	})

	t.Run("delivery without a message id is rejected", func(t *testing.T) {
		_, err := fromDelivery(&amqp.Delivery{DeliveryTag: 7})
		assert.Error(t, err)
	})
}

func TestDeliveryRoundtrip(t *testing.T) {
	msg := contracts.NewMessage("orders", []byte("payload"))
	msg.GroupKey = "customer-42"
	msg.SetAttribute("trace-id", "abc")

	pub, err := toPublishing(msg)
	require.NoError(t, err)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, msg.ID, pub.MessageId)

	got, err := fromDelivery(&amqp.Delivery{
		MessageId:   pub.MessageId,
		DeliveryTag: 3,
		Body:        pub.Body,
		Headers:     pub.Headers,
		Timestamp:   pub.Timestamp,
	})
	require.NoError(t, err)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Body, got.Body)
	assert.Equal(t, "customer-42", got.GroupKey)
	assert.Equal(t, "abc", got.Attribute("trace-id"))
	assert.True(t, msg.EnqueueTime.Equal(got.EnqueueTime))
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.Receipt, msg.ID)
}

func TestEnqueueTimeHeaderParsing(t *testing.T) {
	enqueued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg, err := fromDelivery(&amqp.Delivery{
		MessageId:   "m1",
		DeliveryTag: 1,
		Headers: amqp.Table{
			"conduit-enqueue-time": enqueued.Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)
	assert.True(t, enqueued.Equal(msg.EnqueueTime))
}
