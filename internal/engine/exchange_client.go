package engine

import (
	"context"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
)

// BusExchangeSnapshotter implements ExchangeSnapshotter over the bus's
// synchronous request/reply layer, so the Core Engine never talks to the
// connector process directly.
type BusExchangeSnapshotter struct {
	requester            *bus.Requester
	orderStatusRequester *bus.Requester
	timeout              time.Duration
}

// NewBusExchangeSnapshotter subscribes a Requester to the reconcile-snapshot
// reply pattern and a second one to the per-order status reply pattern.
// Construct once per Core Engine process.
func NewBusExchangeSnapshotter(ctx context.Context, b bus.Bus, timeout time.Duration) (*BusExchangeSnapshotter, error) {
	requester, err := bus.NewRequester(ctx, b, bus.ReconcileSnapshotReplyPattern())
	if err != nil {
		return nil, err
	}
	orderStatusRequester, err := bus.NewRequester(ctx, b, bus.OrderStatusReplyPattern())
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BusExchangeSnapshotter{requester: requester, orderStatusRequester: orderStatusRequester, timeout: timeout}, nil
}

func (s *BusExchangeSnapshotter) SnapshotTruth(ctx context.Context, exchange string) (ExchangeTruth, error) {
	var truth ExchangeTruth
	err := s.requester.Call(ctx, bus.ReconcileSnapshotRequestKey(exchange), map[string]string{"exchange": exchange}, &truth, s.timeout)
	if err != nil {
		return ExchangeTruth{}, err
	}
	return truth, nil
}

// OrderStatus asks the connector owning exchange for the current state of
// one client order id, for the reconciler's missing-fill lookup (spec §4.7
// Case A).
func (s *BusExchangeSnapshotter) OrderStatus(ctx context.Context, exchange, clientOrderID string) (OrderStatusReply, error) {
	var reply OrderStatusReply
	err := s.orderStatusRequester.Call(ctx, bus.OrderStatusRequestKey(exchange), map[string]string{"client_order_id": clientOrderID}, &reply, s.timeout)
	if err != nil {
		return OrderStatusReply{}, err
	}
	return reply, nil
}

var _ ExchangeSnapshotter = (*BusExchangeSnapshotter)(nil)
