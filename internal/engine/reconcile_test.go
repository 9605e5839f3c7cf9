package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/storage"
)

type fakeSnapshotter struct {
	truth map[string]ExchangeTruth
}

func (f *fakeSnapshotter) SnapshotTruth(ctx context.Context, exchange string) (ExchangeTruth, error) {
	return f.truth[exchange], nil
}

func (f *fakeSnapshotter) OrderStatus(ctx context.Context, exchange, clientOrderID string) (OrderStatusReply, error) {
	return OrderStatusReply{}, nil
}

func TestReconcileMarksStaleOrderCanceled(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	db := storage.NewWithConn(conn)

	trades := storage.NewTradeRepository(db, zerolog.Nop())
	positions := storage.NewPositionRepository(db, zerolog.Nop())
	portfolios := storage.NewPortfolioRepository(db, zerolog.Nop())
	strategies := storage.NewStrategyRepository(db, zerolog.Nop())

	memBus := bus.NewMemoryBus()
	snap := &fakeSnapshotter{truth: map[string]ExchangeTruth{
		"binance": {Exchange: "binance"},
	}}

	reconciler := NewReconciler(trades, positions, portfolios, strategies, snap, memBus, "freeze", zerolog.Nop())

	now := time.Now()

	mock.ExpectQuery("SELECT id, strategy_id, exchange, symbol, exchange_order_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "strategy_id", "exchange", "symbol", "exchange_order_id", "type", "side", "amount", "price",
			"filled_amount", "avg_fill_price", "fee", "status", "proposal_id", "reservation_id", "origin", "created_at", "updated_at",
		}).AddRow(1, 1, "binance", "BTCUSDT", "ord-1", "market", "buy", decimal.NewFromInt(1), nil,
			decimal.Zero, nil, nil, string(domain.TradeStatusOpen), "p1", nil, "", now, now))

	mock.ExpectQuery("SELECT id, strategy_id, exchange, symbol, entry_price").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "strategy_id", "exchange", "symbol", "entry_price", "current_size", "unrealized_pnl", "realized_pnl", "is_open", "updated_at",
		}))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM trades").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.TradeStatusOpen)))
	mock.ExpectExec("UPDATE trades SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT id, name, parent_id").WillReturnRows(sqlmock.NewRows([]string{
		"id", "name", "parent_id", "base_currency", "total_capital", "available_capital", "is_active",
	}))

	err = reconciler.Reconcile(context.Background(), []string{"binance"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
