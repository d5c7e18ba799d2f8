// Package amqp is a RabbitMQ bus: one durable topic exchange, routing keys
// equal to topic names, and one queue per consumer group.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client publishes and consumes JSON messages through a topic exchange.
type Client struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu  sync.Mutex // guards pub
	pub *amqp.Channel
}

// Connect dials RabbitMQ with retry and declares the exchange.
func Connect(ctx context.Context, url, exchange string, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "amqp")
	const attempts = 10
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < attempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq not ready", "attempt", i+1, "of", attempts, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info("connected to rabbitmq", "exchange", exchange)
	return &Client{conn: conn, exchange: exchange, logger: logger, pub: ch}, nil
}

// Publish sends value as a persistent JSON message with routing key topic.
// The key travels as the message id header for consumers that want it.
func (c *Client) Publish(ctx context.Context, topic, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.pub.PublishWithContext(ctx, c.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"key": key},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe binds a durable queue named "<group>.<topic>" to the exchange
// and feeds deliveries to handler until ctx ends. Failed handlers are nacked
// without requeue.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler func([]byte) error) {
	ch, err := c.conn.Channel()
	if err != nil {
		c.logger.Error("open consumer channel", "topic", topic, "err", err)
		return
	}
	queue := group + "." + topic
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err == nil {
		err = ch.QueueBind(q.Name, topic, c.exchange, false, nil)
	}
	if err == nil {
		err = ch.Qos(16, 0, false)
	}
	var msgs <-chan amqp.Delivery
	if err == nil {
		msgs, err = ch.Consume(q.Name, "", false, false, false, false, nil)
	}
	if err != nil {
		c.logger.Error("subscribe failed", "topic", topic, "queue", queue, "err", err)
		ch.Close()
		return
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("delivery channel closed", "queue", queue)
					return
				}
				if err := handler(msg.Body); err != nil {
					c.logger.Error("handler failed", "topic", topic, "err", err)
					msg.Nack(false, false)
					continue
				}
				msg.Ack(false)
			}
		}
	}()
}

// Close shuts the connection and all its channels.
func (c *Client) Close() error {
	return c.conn.Close()
}
