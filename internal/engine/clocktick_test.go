package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/strategy"
)

func TestClockTickJobPublishesInterval(t *testing.T) {
	memBus := bus.NewMemoryBus()
	job := NewClockTickJob("24h", memBus)

	require.NoError(t, job.Run(context.Background()))

	delivered := memBus.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, bus.ClockTickKey("24h"), delivered[0].RoutingKey)
	assert.Equal(t, "clock_tick_24h", job.Name())
}

// TestClockTickJobPublishesRealTimestamp guards against the tick decoding to
// the strategy.Bar zero value: Worker.onMessage unmarshals every subscribed
// payload (clock ticks included) into strategy.Bar, and a clock-driven
// strategy like DCA gates on Bar.Timestamp advancing between calls.
func TestClockTickJobPublishesRealTimestamp(t *testing.T) {
	memBus := bus.NewMemoryBus()
	job := NewClockTickJob("24h", memBus)
	before := time.Now().Add(-time.Second).Unix()

	require.NoError(t, job.Run(context.Background()))

	delivered := memBus.Delivered()
	require.Len(t, delivered, 1)

	var bar strategy.Bar
	require.NoError(t, delivered[0].Unmarshal(&bar))
	assert.GreaterOrEqual(t, bar.Timestamp, before)
}

func TestCronScheduleForInterval(t *testing.T) {
	assert.Equal(t, "@every 24h", cronScheduleForInterval("24h"))
}

func TestClockTickIntervalsDedupesAcrossStrategies(t *testing.T) {
	active := []domain.Strategy{
		{StrategyType: "dca", Parameters: map[string]any{"interval": "24h"}},
		{StrategyType: "dca", Parameters: map[string]any{"interval": "24h"}},
		{StrategyType: "dca", Parameters: map[string]any{"interval": "1h"}},
		{StrategyType: "sma_crossover"},
		{StrategyType: "dca"}, // falls back to the 24h default
	}

	intervals := clockTickIntervals(active)
	assert.ElementsMatch(t, []string{"24h", "1h"}, intervals)
}
