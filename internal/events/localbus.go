package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// LocalBus is an in-process Publisher and Subscriber used when no broker is
// configured. Each (topic, group) pair receives every message once, in
// publish order.
type LocalBus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]chan []byte
}

// NewLocalBus creates an empty bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{logger: logger.With("component", "localbus"), subs: make(map[string][]chan []byte)}
}

// Publish JSON-encodes value and queues it for every subscriber of topic.
// It blocks while a subscriber's queue is full, until ctx ends.
func (b *LocalBus) Publish(ctx context.Context, topic, _ string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for topic until ctx ends. group only labels logs.
func (b *LocalBus) Subscribe(ctx context.Context, topic, group string, handler func([]byte) error) {
	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		defer b.remove(topic, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-ch:
				if err := handler(data); err != nil {
					b.logger.Error("handler failed", "topic", topic, "group", group, "err", err)
				}
			}
		}
	}()
}

func (b *LocalBus) remove(topic string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}
