package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried over the bus. Payloads are JSON, structured
// and versioned; unknown fields must be ignored by consumers.
type Message struct {
	ID         string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

// NewMessage marshals v into a Message addressed at routingKey.
func NewMessage(routingKey string, v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Payload:    payload,
		Timestamp:  time.Now(),
	}, nil
}

// Unmarshal decodes the payload into v, ignoring unknown fields by default
// (encoding/json already does this for struct targets), keeping consumers
// forward-compatible with new payload fields.
func (m Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler processes a delivered message. Returning a nil error acks the
// message (for ClassCommand/ClassEvent); a non-nil error leaves it unacked so
// it is redelivered.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes a message for the given routing key. Publish blocks
// until the underlying transport has accepted and (for durable classes)
// acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, v any) error
	Close() error
}

// Subscriber subscribes a handler to one or more routing-key patterns.
// Patterns may use a trailing "*" to match any suffix, e.g. "events.*".
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, prefetch int, h Handler) error
	Close() error
}

// Bus composes Publisher and Subscriber, the full contract every component
// depends on. It is the only allowed inter-component channel.
type Bus interface {
	Publisher
	Subscriber
}
