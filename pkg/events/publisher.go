package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher interface for event publishing
type Publisher interface {
	Publish(ctx context.Context, exchange string, event *Event) error
	PublishWithRouting(ctx context.Context, exchange, routingKey string, event *Event) error
	Close() error
}

// RabbitMQPublisher implements Publisher for RabbitMQ
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool

	// publish and confirm are serialized; confirms are matched by delivery tag
	publishMu sync.Mutex
	confirms  chan amqp.Confirmation
}

// PublisherConfig for RabbitMQ connection
type PublisherConfig struct {
	URL            string
	Exchanges      []string
	PublishTimeout time.Duration
	EnableConfirms bool
}

// DefaultPublisherConfig returns sensible defaults
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:            url,
		Exchanges:      []string{ExchangeBonus, ExchangePayments, ExchangeActivity},
		PublishTimeout: 5 * time.Second,
		EnableConfirms: true,
	}
}

// NewRabbitMQPublisher creates new RabbitMQ publisher
func NewRabbitMQPublisher(cfg PublisherConfig, logger *slog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchanges(channel, cfg.Exchanges); err != nil {
		conn.Close()
		return nil, err
	}

	p := &RabbitMQPublisher{
		conn:    conn,
		channel: channel,
		logger:  logger,
		timeout: cfg.PublishTimeout,
	}

	// Enable publisher confirms
	if cfg.EnableConfirms {
		if err := channel.Confirm(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable confirms: %w", err)
		}
		p.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 100))
	}

	logger.Info("RabbitMQ publisher initialized", "exchanges", cfg.Exchanges)

	return p, nil
}

func declareExchanges(channel *amqp.Channel, exchanges []string) error {
	for _, exchange := range exchanges {
		err := channel.ExchangeDeclare(
			exchange,
			"topic", // type
			true,    // durable
			false,   // auto-deleted
			false,   // internal
			false,   // no-wait
			nil,     // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	return nil
}

// Publish sends event to exchange with event type as routing key
func (p *RabbitMQPublisher) Publish(ctx context.Context, exchange string, event *Event) error {
	return p.PublishWithRouting(ctx, exchange, event.Type, event)
}

// PublishWithRouting sends event with custom routing key
func (p *RabbitMQPublisher) PublishWithRouting(ctx context.Context, exchange, routingKey string, event *Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		Body:         body,
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	var tag uint64
	if p.confirms != nil {
		tag = p.channel.GetNextPublishSeqNo()
	}

	err = p.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	// Wait for confirm if enabled
	if p.confirms != nil {
		if err := awaitConfirm(ctx, p.confirms, tag); err != nil {
			return err
		}
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"exchange", exchange,
	)

	return nil
}

// awaitConfirm waits for the confirmation of delivery tag. Confirmations of
// earlier publishes that gave up waiting are discarded.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, tag uint64) error {
	for {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return fmt.Errorf("confirm channel closed")
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("message not acknowledged")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
