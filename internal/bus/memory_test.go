package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversOnMatchingPattern(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got Message
	require.NoError(t, b.Subscribe(context.Background(), "events.*", 1, func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), "events.trade_executed", map[string]string{"proposal_id": "p1"}))

	require.Equal(t, "events.trade_executed", got.RoutingKey)

	var decoded map[string]string
	require.NoError(t, got.Unmarshal(&decoded))
	require.Equal(t, "p1", decoded["proposal_id"])
}

func TestMemoryBusIgnoresNonMatchingPattern(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	called := false
	require.NoError(t, b.Subscribe(context.Background(), "market_data.*", 1, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), "events.trade_executed", map[string]string{}))
	require.False(t, called)
}

func TestMemoryBusPublishPropagatesHandlerError(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sentinel := errFake("boom")
	require.NoError(t, b.Subscribe(context.Background(), "commands.execute_trade", 1, func(ctx context.Context, msg Message) error {
		return sentinel
	}))

	err := b.Publish(context.Background(), "commands.execute_trade", map[string]string{})
	require.ErrorIs(t, err, sentinel)
}

type errFake string

func (e errFake) Error() string { return string(e) }
