package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one message body. A returned error NACKs the message.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer delivers messages from one queue bound to the events exchange.
type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
	done   chan struct{}
}

// StartConsumer declares a durable queue for routingKey, binds it to the
// events exchange and runs handler for each delivery until ctx is cancelled.
func StartConsumer(ctx context.Context, conn *amqp.Connection, routingKey string, handler HandlerFunc, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	queue := dispenserQueueName(routingKey)
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	if err := ch.QueueBind(queue, routingKey, EventsExchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue bind: %w", err)
	}

	msgs, err := ch.Consume(queue, dispenserServiceName, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	c := &Consumer{ch: ch, queue: queue, logger: logger.With(zap.String("queue", queue)), done: make(chan struct{})}
	go c.run(ctx, msgs, handler)
	return c, nil
}

func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery, handler HandlerFunc) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping consumer")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}
			if err := handler(ctx, msg.Body); err != nil {
				c.logger.Error("handle message failed", zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// Close stops deliveries and waits for the consume loop to exit.
func (c *Consumer) Close() error {
	err := c.ch.Close()
	<-c.done
	return err
}
