package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/faults"
	"github.com/aristath/cryptosentinel/internal/storage"
)

type fakePlaceOrderREST struct {
	stubREST
	attempts  int
	failTimes int
	failKind  faults.Kind
	ack       *OrderAck
}

func (f *fakePlaceOrderREST) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	f.attempts++
	if f.attempts <= f.failTimes {
		return nil, faults.New(f.failKind, "simulated failure")
	}
	return f.ack, nil
}

func newMockTradeRepo(t *testing.T) (*storage.TradeRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	db := storage.NewWithConn(conn)
	return storage.NewTradeRepository(db, zerolog.Nop()), mock
}

func tradeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "strategy_id", "exchange", "symbol", "exchange_order_id", "type", "side", "amount", "price",
		"filled_amount", "avg_fill_price", "fee", "status", "proposal_id", "reservation_id", "origin", "created_at", "updated_at",
	})
}

func TestExecuteDryRunPublishesExecutedEvent(t *testing.T) {
	trades, mock := newMockTradeRepo(t)
	mock.ExpectQuery("INSERT INTO trades").WillReturnRows(tradeRows().AddRow(
		1, 1, "binance", "BTCUSDT", "dryrun-p1", "market", "buy", decimal.NewFromInt(1), nil,
		decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, string(domain.TradeStatusFilled), "p1", int64(9), "", time.Now(), time.Now()))

	memBus := bus.NewMemoryBus()
	cache := NewPriceCache(0)
	cache.Set("BTCUSDT", decimal.NewFromInt(100))

	c := NewConnector("binance", "wss://example.invalid", &stubREST{}, NewRateLimiter(nil, 0, time.Second), cache, trades, memBus, []string{"BTCUSDT"}, true, zerolog.Nop())

	err := c.executeDryRun(context.Background(), domain.ExecuteTradeCommand{
		ProposalID: "p1", StrategyID: 1, Exchange: "binance", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Type: "market", Amount: decimal.NewFromInt(1), ReservationID: 9,
	})
	require.NoError(t, err)

	delivered := memBus.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, bus.PrefixEventsExecuted, delivered[0].RoutingKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSkipsDuplicateProposal(t *testing.T) {
	trades, mock := newMockTradeRepo(t)
	mock.ExpectQuery("SELECT id, strategy_id, exchange, symbol, exchange_order_id").
		WillReturnRows(tradeRows().AddRow(
			1, 1, "binance", "BTCUSDT", "ord-1", "market", "buy", decimal.NewFromInt(1), nil,
			decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, string(domain.TradeStatusFilled), "p1", nil, "", time.Now(), time.Now()))

	memBus := bus.NewMemoryBus()
	rest := &fakePlaceOrderREST{}
	c := NewConnector("binance", "wss://example.invalid", rest, NewRateLimiter(nil, 0, time.Second), NewPriceCache(0), trades, memBus, nil, false, zerolog.Nop())

	err := c.execute(context.Background(), domain.ExecuteTradeCommand{ProposalID: "p1", Exchange: "binance", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 0, rest.attempts)
	assert.Empty(t, memBus.Delivered())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceWithRetryRetriesTransientThenSucceeds(t *testing.T) {
	rest := &fakePlaceOrderREST{failTimes: 2, failKind: faults.ExchangeTransient, ack: &OrderAck{ExchangeOrderID: "ex-1", Status: domain.TradeStatusOpen}}
	c := &Connector{rest: rest, log: zerolog.Nop()}

	ack, err := c.placeWithRetry(context.Background(), OrderRequest{ClientOrderID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", ack.ExchangeOrderID)
	assert.Equal(t, 3, rest.attempts)
}

func TestPlaceWithRetryStopsImmediatelyOnPermanentFault(t *testing.T) {
	rest := &fakePlaceOrderREST{failTimes: 99, failKind: faults.ExchangePermanent}
	c := &Connector{rest: rest, log: zerolog.Nop()}

	_, err := c.placeWithRetry(context.Background(), OrderRequest{ClientOrderID: "p1"})
	require.Error(t, err)
	assert.Equal(t, 1, rest.attempts)
}

func TestFailPublishesTradeFailedEventWithFaultKind(t *testing.T) {
	memBus := bus.NewMemoryBus()
	c := &Connector{b: memBus, log: zerolog.Nop()}

	err := c.fail(context.Background(), domain.ExecuteTradeCommand{ProposalID: "p1", ReservationID: 5}, faults.New(faults.ExchangePermanent, "rejected"))
	require.NoError(t, err)

	delivered := memBus.Delivered()
	require.Len(t, delivered, 1)
	var evt domain.TradeFailedEvent
	require.NoError(t, delivered[0].Unmarshal(&evt))
	assert.Equal(t, string(faults.ExchangePermanent), evt.Kind)
	assert.Equal(t, int64(5), evt.ReservationID)
}

func TestOnExecuteTradeRefusesBeforeSystemReady(t *testing.T) {
	memBus := bus.NewMemoryBus()
	rest := &fakePlaceOrderREST{}
	c := NewConnector("binance", "wss://example.invalid", rest, NewRateLimiter(nil, 0, time.Second), NewPriceCache(0), nil, memBus, nil, false, zerolog.Nop())
	require.NoError(t, c.ready.Subscribe(context.Background(), memBus))

	msg, err := bus.NewMessage(bus.PrefixCommandsExecute, domain.ExecuteTradeCommand{ProposalID: "p1", Exchange: "binance"})
	require.NoError(t, err)
	err = c.onExecuteTrade(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, 0, rest.attempts)
}

func TestOnExecuteTradeRefusesDuringEmergencyHalt(t *testing.T) {
	memBus := bus.NewMemoryBus()
	rest := &fakePlaceOrderREST{}

	c := NewConnector("binance", "wss://example.invalid", rest, NewRateLimiter(nil, 0, time.Second), NewPriceCache(0), nil, memBus, nil, false, zerolog.Nop())
	require.NoError(t, c.ready.Subscribe(context.Background(), memBus))

	require.NoError(t, memBus.Publish(context.Background(), bus.PrefixSystemReady, map[string]any{"ready": true}))
	require.NoError(t, memBus.Publish(context.Background(), bus.AlertKey("emergency_halt"), map[string]any{"halted": true}))

	msg, err := bus.NewMessage(bus.PrefixCommandsExecute, domain.ExecuteTradeCommand{ProposalID: "p1", Exchange: "binance"})
	require.NoError(t, err)
	err = c.onExecuteTrade(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, 0, rest.attempts)
}

func TestReplyKeyForCandlesRequestPreservesSuffix(t *testing.T) {
	req := bus.CandlesRequestKey("binance", "BTCUSDT")
	assert.Equal(t, bus.CandlesReplyKey("binance", "BTCUSDT"), replyKeyForCandlesRequest(req))
}

func TestSymbolFromCandlesRequestKey(t *testing.T) {
	req := bus.CandlesRequestKey("binance", "BTCUSDT")
	assert.Equal(t, "BTCUSDT", symbolFromCandlesRequestKey(req))
}
