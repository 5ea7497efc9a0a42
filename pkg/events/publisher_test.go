package events

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestAwaitConfirmSkipsStaleTags(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 3)
	// tag 1 timed out earlier and was never consumed
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}

	err := awaitConfirm(context.Background(), confirms, 2)
	assert.EqualError(t, err, "message not acknowledged")
	assert.Empty(t, confirms)

	confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: true}
	assert.NoError(t, awaitConfirm(context.Background(), confirms, 3))
}

func TestAwaitConfirmTimeout(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, awaitConfirm(ctx, confirms, 1), context.DeadlineExceeded)

	close(confirms)
	assert.Error(t, awaitConfirm(context.Background(), confirms, 1))
}
