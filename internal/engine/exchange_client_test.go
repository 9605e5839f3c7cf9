package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/bus"
)

func TestBusExchangeSnapshotterRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()

	_, err := bus.NewResponder(ctx, b, bus.ReconcileSnapshotRequestKey("*"), bus.ReconcileSnapshotReplyKey, func(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
		return ExchangeTruth{
			Exchange:   "binance",
			OpenOrders: []ExchangeOrder{{ExchangeOrderID: "ord-1"}},
		}, nil
	})
	require.NoError(t, err)

	snapshotter, err := NewBusExchangeSnapshotter(ctx, b, time.Second)
	require.NoError(t, err)

	truth, err := snapshotter.SnapshotTruth(ctx, "binance")
	require.NoError(t, err)
	require.Equal(t, "binance", truth.Exchange)
	require.Len(t, truth.OpenOrders, 1)
	require.Equal(t, "ord-1", truth.OpenOrders[0].ExchangeOrderID)
}

func TestBusExchangeSnapshotterTimesOutWithoutResponder(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()

	snapshotter, err := NewBusExchangeSnapshotter(ctx, b, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = snapshotter.SnapshotTruth(ctx, "binance")
	require.Error(t, err)
}
