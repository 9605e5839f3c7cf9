package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestEnvelope wraps an outgoing query with a correlation id so the
// matching reply can be routed back to the caller that is blocked waiting
// for it. Since components only ever talk over the bus, a synchronous query
// like the reconciliation exchange-truth snapshot or an ATR candle fetch
// still has to ride the bus instead of a direct call.
type requestEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Payload       any    `json:"payload"`
}

// replyEnvelope wraps the corresponding reply. Error is set instead of
// Payload when the responder could not satisfy the request.
type replyEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Requester implements synchronous request/reply on top of the otherwise
// one-way Bus: it subscribes once to a reply pattern and fans incoming
// replies out to whichever Call is waiting on the matching correlation id.
type Requester struct {
	b Bus

	mu      sync.Mutex
	pending map[string]chan replyEnvelope
}

// NewRequester subscribes to replyPattern (e.g. "events.reconcile.snapshot.*")
// and returns a Requester ready for Call.
func NewRequester(ctx context.Context, b Bus, replyPattern string) (*Requester, error) {
	r := &Requester{b: b, pending: make(map[string]chan replyEnvelope)}
	if err := b.Subscribe(ctx, replyPattern, 32, r.onReply); err != nil {
		return nil, fmt.Errorf("bus: subscribe requester to %s: %w", replyPattern, err)
	}
	return r, nil
}

func (r *Requester) onReply(ctx context.Context, msg Message) error {
	var env replyEnvelope
	if err := msg.Unmarshal(&env); err != nil {
		return fmt.Errorf("bus: decode reply envelope: %w", err)
	}

	r.mu.Lock()
	ch, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()

	if ok {
		ch <- env
	}
	return nil
}

// Call publishes payload on requestKey wrapped with a fresh correlation id,
// then blocks until the matching reply arrives, ctx is canceled, or timeout
// elapses. When out is non-nil, the reply payload is unmarshaled into it.
func (r *Requester) Call(ctx context.Context, requestKey string, payload any, out any, timeout time.Duration) error {
	correlationID := uuid.NewString()
	ch := make(chan replyEnvelope, 1)

	r.mu.Lock()
	r.pending[correlationID] = ch
	r.mu.Unlock()

	if err := r.b.Publish(ctx, requestKey, requestEnvelope{CorrelationID: correlationID, Payload: payload}); err != nil {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
		return fmt.Errorf("bus: publish request %s: %w", requestKey, err)
	}

	select {
	case env := <-ch:
		if env.Error != "" {
			return fmt.Errorf("bus: request %s refused: %s", requestKey, env.Error)
		}
		if out != nil && len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return fmt.Errorf("bus: decode reply payload for %s: %w", requestKey, err)
			}
		}
		return nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
		return fmt.Errorf("bus: request %s timed out after %s", requestKey, timeout)
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Responder is the answering half: it subscribes to a request pattern and
// invokes a handler that returns either a reply payload or an error, wiring
// the correlation id back onto the reply automatically.
type Responder struct {
	b       Bus
	replyOf func(requestKey string) string
}

// NewResponder subscribes handler to requestPattern (e.g.
// "request.reconcile.snapshot.*"). replyOf derives the reply routing key
// from the specific request key that was received, so a single Responder
// can answer requests for many exchanges/symbols.
func NewResponder(ctx context.Context, b Bus, requestPattern string, replyOf func(requestKey string) string, handler func(ctx context.Context, requestKey string, payload json.RawMessage) (any, error)) (*Responder, error) {
	resp := &Responder{b: b, replyOf: replyOf}
	err := b.Subscribe(ctx, requestPattern, 32, func(ctx context.Context, msg Message) error {
		var env requestEnvelope
		// Decode only the correlation id and keep the payload raw so
		// handlers can unmarshal into whatever concrete type they expect.
		var raw struct {
			CorrelationID string          `json:"correlation_id"`
			Payload       json.RawMessage `json:"payload"`
		}
		if err := msg.Unmarshal(&raw); err != nil {
			return fmt.Errorf("bus: decode request envelope: %w", err)
		}
		env.CorrelationID = raw.CorrelationID

		replyKey := resp.replyOf(msg.RoutingKey)

		result, herr := handler(ctx, msg.RoutingKey, raw.Payload)
		if herr != nil {
			return resp.b.Publish(ctx, replyKey, replyEnvelope{CorrelationID: env.CorrelationID, Error: herr.Error()})
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return resp.b.Publish(ctx, replyKey, replyEnvelope{CorrelationID: env.CorrelationID, Error: fmt.Sprintf("encode reply: %v", err)})
		}
		return resp.b.Publish(ctx, replyKey, replyEnvelope{CorrelationID: env.CorrelationID, Payload: payload})
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe responder to %s: %w", requestPattern, err)
	}
	return resp, nil
}
