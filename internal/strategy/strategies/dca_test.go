package strategies

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/strategy"
)

func TestDCAFiresOnceThenWaitsForNextTick(t *testing.T) {
	d := NewDCA("BTCUSDT", "24h", decimal.NewFromInt(100))
	var h strategy.History

	tick1 := strategy.Bar{Timestamp: 1000}
	p1, err := d.OnData(tick1, h)
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.Equal(t, "BTCUSDT", p1.Symbol)

	// The same tick replayed (or a stale/earlier one) must not re-fire.
	p2, err := d.OnData(tick1, h)
	require.NoError(t, err)
	assert.Nil(t, p2)

	stale := strategy.Bar{Timestamp: 500}
	p3, err := d.OnData(stale, h)
	require.NoError(t, err)
	assert.Nil(t, p3)
}

func TestDCAFiresAgainOnNextAdvancingTick(t *testing.T) {
	d := NewDCA("BTCUSDT", "24h", decimal.NewFromInt(100))
	var h strategy.History

	tick1 := strategy.Bar{Timestamp: 1000}
	p1, err := d.OnData(tick1, h)
	require.NoError(t, err)
	require.NotNil(t, p1)

	tick2 := strategy.Bar{Timestamp: 1000 + 24*3600}
	p2, err := d.OnData(tick2, h)
	require.NoError(t, err)
	require.NotNil(t, p2, "a later clock tick must produce another proposal")
}

func TestDCARequiredSubscriptionsIsClockTick(t *testing.T) {
	d := NewDCA("BTCUSDT", "24h", decimal.NewFromInt(100))
	assert.Equal(t, []string{bus.ClockTickKey("24h")}, d.RequiredSubscriptions())
}

func TestDCASnapshotRoundTrip(t *testing.T) {
	d := NewDCA("BTCUSDT", "24h", decimal.NewFromInt(100))
	var h strategy.History
	_, err := d.OnData(strategy.Bar{Timestamp: 1000}, h)
	require.NoError(t, err)

	snap, err := d.Snapshot()
	require.NoError(t, err)

	restored := NewDCA("BTCUSDT", "24h", decimal.NewFromInt(100))
	require.NoError(t, restored.Restore(snap))

	// A tick at or before the snapshotted last-executed time must not re-fire
	// after a restart (spec §8's warm-restart replay law).
	p, err := restored.OnData(strategy.Bar{Timestamp: 1000}, h)
	require.NoError(t, err)
	assert.Nil(t, p)
}
