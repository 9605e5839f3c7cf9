package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
)

// ClockTickJob publishes a wall-clock tick for one scheduler interval, the
// sole production of system.clock_tick.<interval> clock-driven strategies
// such as DCA subscribe to. A worker restarting after an outage only ever
// sees the next tick, never a replay of missed ones.
type ClockTickJob struct {
	interval  string
	publisher bus.Publisher
}

func NewClockTickJob(interval string, publisher bus.Publisher) *ClockTickJob {
	return &ClockTickJob{interval: interval, publisher: publisher}
}

func (j *ClockTickJob) Name() string { return "clock_tick_" + j.interval }

// Run publishes the current wall-clock time alongside the interval tag.
// Clock-driven strategies receive this like any other market-data frame
// (Worker.onMessage decodes every subscribed payload into strategy.Bar), so
// the "timestamp" key must actually carry real time: without it every tick
// decodes to the Bar zero value and a strategy gating on tick recency (DCA)
// fires once and then never again.
func (j *ClockTickJob) Run(ctx context.Context) error {
	return j.publisher.Publish(ctx, bus.ClockTickKey(j.interval), map[string]any{
		"interval":  j.interval,
		"timestamp": time.Now().UTC().Unix(),
	})
}

// cronScheduleForInterval maps a duration-like interval string ("24h", "1h")
// to the @every cron form the Scheduler expects.
func cronScheduleForInterval(interval string) string {
	return fmt.Sprintf("@every %s", interval)
}

// clockTickIntervals collects the distinct "interval" parameter of every
// active dca strategy, so the engine schedules exactly one ClockTickJob per
// interval regardless of how many strategies share it.
func clockTickIntervals(active []domain.Strategy) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range active {
		if s.StrategyType != "dca" {
			continue
		}
		interval := "24h"
		if v, ok := s.Parameters["interval"].(string); ok && v != "" {
			interval = v
		}
		if !seen[interval] {
			seen[interval] = true
			out = append(out, interval)
		}
	}
	return out
}
