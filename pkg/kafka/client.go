package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Client publishes and consumes JSON messages on Kafka topics.
type Client struct {
	brokers []string
	logger  *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
}

// NewClient returns a Client for the given brokers.
func NewClient(brokers []string, logger *slog.Logger) *Client {
	return &Client{
		brokers: brokers,
		logger:  logger.With("component", "kafka"),
		writers: make(map[string]*kafkago.Writer),
	}
}

// EnsureTopics creates topics if they don't already exist (with retry).
func (c *Client) EnsureTopics(ctx context.Context, topics ...string) error {
	const attempts = 20
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := kafkago.DialContext(ctx, "tcp", c.brokers[0])
		if err != nil {
			c.logger.Warn("kafka not ready", "attempt", attempt, "of", attempts, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		configs := make([]kafkago.TopicConfig, len(topics))
		for i, t := range topics {
			configs[i] = kafkago.TopicConfig{
				Topic:             t,
				NumPartitions:     3,
				ReplicationFactor: 1,
			}
		}
		err = conn.CreateTopics(configs...)
		conn.Close()
		if err != nil {
			c.logger.Info("topic creation returned (may already exist)", "err", err)
		}
		c.logger.Info("kafka topics ensured", "topics", topics)
		return nil
	}
	return fmt.Errorf("kafka: could not connect after %d attempts", attempts)
}

func (c *Client) writer(topic string) *kafkago.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.writers[topic]
	if !ok {
		// keyed by ride id so one ride's messages stay ordered on a partition
		w = &kafkago.Writer{
			Addr:     kafkago.TCP(c.brokers...),
			Topic:    topic,
			Balancer: &kafkago.Hash{},
		}
		c.writers[topic] = w
	}
	return w
}

// Publish sends a JSON-serialised message to a topic.
func (c *Client) Publish(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.writer(topic).WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: data,
	})
}

// Subscribe starts a background goroutine that reads from a topic until ctx ends.
func (c *Client) Subscribe(ctx context.Context, topic, groupID string, handler func([]byte) error) {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		defer r.Close()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("read failed", "topic", topic, "err", err)
				time.Sleep(time.Second)
				continue
			}
			if err := handler(msg.Value); err != nil {
				c.logger.Error("handler failed", "topic", topic, "offset", msg.Offset, "err", err)
			}
		}
	}()
}

// Close flushes and closes every cached writer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for topic, w := range c.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.writers, topic)
	}
	return first
}
