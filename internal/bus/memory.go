package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by component tests in place of Kafka.
// It preserves the same ack contract as KafkaBus: a handler returning an
// error simply does not advance anything (there is no offset to roll back to
// replay from), but because Publish runs every matching handler synchronously,
// the first handler error is returned from the caller's Publish and the
// remaining subscribers are not called for that message.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     []memorySub
	closed   bool
	delivered []Message // retained for test assertions
}

type memorySub struct {
	pattern string
	handler Handler
}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (m *MemoryBus) Publish(ctx context.Context, routingKey string, v any) error {
	msg, err := NewMessage(routingKey, v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return context.Canceled
	}
	m.delivered = append(m.delivered, msg)
	subs := append([]memorySub(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		if !matchPattern(s.pattern, routingKey) {
			continue
		}
		if err := s.handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, pattern string, prefetch int, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	m.subs = append(m.subs, memorySub{pattern: pattern, handler: h})
	return nil
}

// Delivered returns every message published so far, for test assertions.
func (m *MemoryBus) Delivered() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.delivered...)
}

func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}

var _ Bus = (*MemoryBus)(nil)
