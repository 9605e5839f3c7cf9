package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPositionRepositoryRealizedPnL24hSumsWindow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepository(db, zerolog.Nop())

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(e.amount\\), 0\\)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-150.5000000000"))

	got, err := repo.RealizedPnL24h(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromFloat(-150.5)), "got %s", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionRepositoryRealizedPnL24hNoTradesIsZero(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepository(db, zerolog.Nop())

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(e.amount\\), 0\\)").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

	got, err := repo.RealizedPnL24h(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, got.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionRepositoryUpsertRecordsRealizedPnLEventOnClose(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepository(db, zerolog.Nop())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, strategy_id, exchange, symbol, entry_price, current_size").
		WithArgs(int64(5), "binance", "BTCUSDT").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "strategy_id", "exchange", "symbol", "entry_price", "current_size",
			"unrealized_pnl", "realized_pnl", "is_open", "updated_at",
		}).AddRow(int64(9), int64(5), "binance", "BTCUSDT", "50000", "0.02", "0", "0", true, time.Now()))

	mock.ExpectExec("INSERT INTO realized_pnl_events").
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery("UPDATE positions SET entry_price").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "strategy_id", "exchange", "symbol", "entry_price", "current_size",
			"unrealized_pnl", "realized_pnl", "is_open", "updated_at",
		}).AddRow(int64(9), int64(5), "binance", "BTCUSDT", "50000", "0", "0", "20", false, time.Now()))
	mock.ExpectCommit()

	// A sell of 0.02 against a 0.02 long closes the position at a profit,
	// which must write one realized_pnl_events row before the UPDATE.
	pos, err := repo.Upsert(context.Background(), 5, "binance", "BTCUSDT", decimal.NewFromFloat(-0.02), decimal.NewFromInt(51000))
	require.NoError(t, err)
	require.False(t, pos.IsOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}
