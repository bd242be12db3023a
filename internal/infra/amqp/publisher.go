package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/pkg/logger"
)

// Publisher delivers domain events to a topic exchange. Publishing is
// fire-and-forget at the call site; failures are logged and counted, never
// returned into the money path.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
	ch *amqp091.Channel
}

// NewPublisher connects to the broker and declares the topic exchange.
func NewPublisher(url, exchange string, log *logger.Logger, m *metrics.Metrics) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   log.WithField("component", "amqp_publisher"),
		metrics:  m,
		ch:       ch,
	}, nil
}

// Publish sends one event with the topic as routing key. The channel is not
// safe for concurrent use, so publishes serialize on the mutex.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.metrics.ObserveEventPublished(topic, "failed")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, topic, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	p.mu.Unlock()

	if err != nil {
		p.metrics.ObserveEventPublished(topic, "failed")
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}

	p.metrics.ObserveEventPublished(topic, "published")
	return nil
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
