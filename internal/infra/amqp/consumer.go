package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/pkg/logger"
)

// ledgerBindingKey matches every committed ledger transaction event.
const ledgerBindingKey = "ledger.*.completed"

// LedgerEventHandler consumes committed ledger transaction events.
type LedgerEventHandler interface {
	HandleLedgerEvent(ctx context.Context, ev events.LedgerCompleted) error
}

// Consumer feeds ledger.*.completed events to a handler, typically the
// wallet projector. The in-process sync after each operation already keeps
// projections fresh; this path re-converges wallets written by other
// instances or missed during an outage.
type Consumer struct {
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	queue   string
	handler LedgerEventHandler
	logger  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer connects, declares the queue and binds it to the exchange.
func NewConsumer(url, exchange, queue string, handler LedgerEventHandler, log *logger.Logger) (*Consumer, error) {
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

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, ledgerBindingKey, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	return &Consumer{
		conn:    conn,
		ch:      ch,
		queue:   queue,
		handler: handler,
		logger:  log.WithField("component", "amqp_consumer"),
	}, nil
}

// Start launches the consume loop. It returns once the subscription is
// registered; Close stops the loop.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", c.queue, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.logger.Info("consumer started", "queue", c.queue, "binding", ledgerBindingKey)
		for {
			select {
			case <-runCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery channel closed")
					return
				}
				c.handleDelivery(runCtx, d)
			}
		}
	}()
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp091.Delivery) {
	var ev events.LedgerCompleted
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.WithError(err).Error("dropping undecodable event", "routing_key", d.RoutingKey)
		_ = d.Nack(false, false)
		return
	}

	if err := c.handler.HandleLedgerEvent(ctx, ev); err != nil {
		// The projection self-heals on the next event for the same wallet;
		// requeueing here would loop on a persistent failure.
		c.logger.WithError(err).Error("event handling failed",
			"routing_key", d.RoutingKey, "tx_id", ev.TxID)
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
}

// Close stops the consume loop and closes the connection.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
