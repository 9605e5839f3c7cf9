package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubREST struct {
	tickerPrice decimal.Decimal
	tickerErr   error
	calls       int
}

func (s *stubREST) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) { return nil, nil }
func (s *stubREST) OrderStatus(ctx context.Context, clientOrderID string) (*OrderAck, error) {
	return nil, nil
}
func (s *stubREST) CancelOrder(ctx context.Context, exchangeOrderID string) error { return nil }
func (s *stubREST) OpenOrders(ctx context.Context) ([]OrderAck, error)            { return nil, nil }
func (s *stubREST) Positions(ctx context.Context) ([]PositionSnapshot, error)     { return nil, nil }
func (s *stubREST) RecentCandles(ctx context.Context, symbol string, period int) ([]Candle, error) {
	return nil, nil
}
func (s *stubREST) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.calls++
	return s.tickerPrice, s.tickerErr
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, baseReconnectDelay, backoff(1))
	assert.Equal(t, 2*baseReconnectDelay, backoff(2))
	assert.Equal(t, 4*baseReconnectDelay, backoff(3))
	assert.Equal(t, maxReconnectDelay, backoff(20))
}

func TestHandleFrameInvokesOnTick(t *testing.T) {
	var gotSymbol string
	var gotPrice decimal.Decimal
	ms := NewMarketStream("testex", "wss://example.invalid", []string{"BTCUSDT"}, &stubREST{}, func(symbol string, price decimal.Decimal, ts time.Time) {
		gotSymbol = symbol
		gotPrice = price
	}, zerolog.Nop())

	require.NoError(t, ms.handleFrame([]byte(`{"symbol":"BTCUSDT","price":65000.5}`)))
	assert.Equal(t, "BTCUSDT", gotSymbol)
	assert.True(t, gotPrice.Equal(decimal.NewFromFloat(65000.5)))
}

func TestHandleFrameRejectsMalformedJSON(t *testing.T) {
	ms := NewMarketStream("testex", "wss://example.invalid", []string{"BTCUSDT"}, &stubREST{}, func(string, decimal.Decimal, time.Time) {}, zerolog.Nop())
	assert.Error(t, ms.handleFrame([]byte(`not json`)))
}

func TestUnhealthyTripsAfterThreeMisses(t *testing.T) {
	ms := NewMarketStream("testex", "wss://example.invalid", []string{"BTCUSDT"}, &stubREST{}, func(string, decimal.Decimal, time.Time) {}, zerolog.Nop())
	assert.False(t, ms.unhealthy())

	ms.consecutiveReadFailures = unhealthyAfterMisses
	assert.True(t, ms.unhealthy())
}

func TestPollLoopRefusesConcurrentInvocation(t *testing.T) {
	rest := &stubREST{tickerPrice: decimal.NewFromInt(100)}
	ms := NewMarketStream("testex", "wss://example.invalid", []string{"BTCUSDT"}, rest, func(string, decimal.Decimal, time.Time) {}, zerolog.Nop())

	ms.polling = true // simulate an already-running poll loop
	done := make(chan struct{})
	go func() {
		ms.pollLoop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pollLoop did not return immediately when already polling")
	}
}

func TestPollLoopCanBeStoppedViaStopChan(t *testing.T) {
	rest := &stubREST{tickerPrice: decimal.NewFromInt(100)}
	ms := NewMarketStream("testex", "wss://example.invalid", []string{"BTCUSDT"}, rest, func(string, decimal.Decimal, time.Time) {}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		ms.pollLoop(context.Background())
		close(done)
	}()

	close(ms.stopChan)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pollLoop did not exit when stopChan closed")
	}
}
