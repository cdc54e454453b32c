package messaging

import (
	"context"
	"sync/atomic"
	"time"
)

// MemoryClient is an in-process bus for single-binary deployments and tests.
// Messages are delivered to whichever Consume call receives them first.
type MemoryClient struct {
	topic  string
	ch     chan Message
	offset atomic.Int64
}

// NewMemoryClient builds a MemoryClient buffering up to size messages.
func NewMemoryClient(topic string, size int) *MemoryClient {
	if size <= 0 {
		size = 1
	}
	return &MemoryClient{topic: topic, ch: make(chan Message, size)}
}

// Publish enqueues a message, blocking while the buffer is full.
func (m *MemoryClient) Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error {
	msg := Message{
		Topic:   m.topic,
		Key:     append([]byte(nil), key...),
		Value:   append([]byte(nil), value...),
		Headers: withTrace(ctx, headers),
		Offset:  m.offset.Add(1),
		Time:    time.Now().UTC(),
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume hands messages to handler until ctx ends. Failed messages are retried
// like the kafka client does and then dropped.
func (m *MemoryClient) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.ch:
			if err := handleWithRetry(ctx, handler, msg); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Topic implements Client.
func (m *MemoryClient) Topic() string { return m.topic }

// Pending reports how many messages are waiting to be consumed.
func (m *MemoryClient) Pending() int { return len(m.ch) }
