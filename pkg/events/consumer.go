package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDiscard marks an event that must not be redelivered
var ErrDiscard = errors.New("event discarded")

// Consumer interface for event consumption
type Consumer interface {
	Subscribe(queue string, bindings []Binding, handler EventHandler) error
	Start(ctx context.Context) error
	Stop() error
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event *Event) error

// Binding routes messages from an exchange into a queue
type Binding struct {
	Exchange   string
	RoutingKey string
}

// RabbitMQConsumer implements Consumer for RabbitMQ
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *slog.Logger
	handlers map[string]EventHandler

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// ConsumerConfig for consumer
type ConsumerConfig struct {
	URL           string
	PrefetchCount int
}

// NewRabbitMQConsumer creates new consumer
func NewRabbitMQConsumer(cfg ConsumerConfig, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set prefetch
	if cfg.PrefetchCount > 0 {
		if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	return &RabbitMQConsumer{
		conn:     conn,
		channel:  channel,
		logger:   logger,
		handlers: make(map[string]EventHandler),
	}, nil
}

// Subscribe declares queue, binds it and registers handler
func (c *RabbitMQConsumer) Subscribe(queue string, bindings []Binding, handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	exchanges := make(map[string]bool)
	for _, b := range bindings {
		if !exchanges[b.Exchange] {
			if err := declareExchanges(c.channel, []string{b.Exchange}); err != nil {
				return err
			}
			exchanges[b.Exchange] = true
		}
		if err := c.channel.QueueBind(queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s/%s: %w", queue, b.Exchange, b.RoutingKey, err)
		}
	}

	c.handlers[queue] = handler
	return nil
}

// Start begins consuming messages
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true

	for queue, handler := range c.handlers {
		msgs, err := c.channel.Consume(
			queue,
			"",    // consumer tag
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}

		c.wg.Add(1)
		go c.processMessages(ctx, queue, handler, msgs)
	}

	return nil
}

func (c *RabbitMQConsumer) processMessages(ctx context.Context, queue string, handler EventHandler, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("channel closed", "queue", queue)
				return
			}
			c.dispatch(ctx, queue, handler, msg)
		}
	}
}

func (c *RabbitMQConsumer) dispatch(ctx context.Context, queue string, handler EventHandler, msg amqp.Delivery) {
	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error("failed to unmarshal event",
			"queue", queue,
			"error", err,
		)
		msg.Reject(false) // don't requeue malformed messages
		return
	}

	if err := handler(ctx, &event); err != nil {
		if errors.Is(err, ErrDiscard) {
			c.logger.Warn("event discarded",
				"queue", queue,
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			msg.Reject(false)
			return
		}
		c.logger.Error("failed to process event",
			"queue", queue,
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		msg.Nack(false, true) // requeue
		return
	}

	msg.Ack(false)
}

// Stop stops the consumer and waits for in-flight messages
func (c *RabbitMQConsumer) Stop() error {
	c.mu.Lock()
	c.running = false
	if c.channel != nil {
		c.channel.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
