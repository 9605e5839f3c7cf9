package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-endpoint token bucket sized below the exchange's
// published limits with a safety margin.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	margin       float64
	defaults     map[string]int
	maxQueueWait time.Duration
}

// NewRateLimiter builds one bucket per endpoint named in tokensPerMinute,
// each refilling at (tokens/min * (1 - safetyMargin)) per minute, with burst
// equal to one minute's worth of tokens. maxQueueWait bounds how long Wait
// queues a caller for a token before giving up (spec §5: "queues
// commands.execute_trade up to a bounded wait; beyond that, it emits
// events.trade_failed with kind rate_limited"); zero or negative disables the
// bound and Wait blocks only on ctx.
func NewRateLimiter(tokensPerMinute map[string]int, safetyMargin float64, maxQueueWait time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets:      make(map[string]*rate.Limiter, len(tokensPerMinute)),
		margin:       safetyMargin,
		defaults:     tokensPerMinute,
		maxQueueWait: maxQueueWait,
	}
	for endpoint, perMin := range tokensPerMinute {
		rl.buckets[endpoint] = newBucket(perMin, safetyMargin)
	}
	return rl
}

func newBucket(perMin int, safetyMargin float64) *rate.Limiter {
	effective := float64(perMin) * (1 - safetyMargin)
	if effective < 1 {
		effective = 1
	}
	return rate.NewLimiter(rate.Limit(effective/60), perMin)
}

func (rl *RateLimiter) bucket(endpoint string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[endpoint]
	if !ok {
		b = newBucket(600, rl.margin)
		rl.buckets[endpoint] = b
	}
	return b
}

// Wait blocks until a token for endpoint is available or ctx is canceled.
// When maxQueueWait (or a ctx deadline) leaves too little time for the next
// token, Wait returns at once with an error wrapping context.DeadlineExceeded.
func (rl *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	if rl.maxQueueWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.maxQueueWait)
		defer cancel()
	}
	if err := rl.bucket(endpoint).Wait(ctx); err != nil {
		if _, hasDeadline := ctx.Deadline(); hasDeadline && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	}
	return nil
}

// Saturated reports whether the endpoint's bucket has no tokens available
// right now, the trigger for the alerts.ratelimit.saturated event.
func (rl *RateLimiter) Saturated(endpoint string) bool {
	return rl.bucket(endpoint).Tokens() < 1
}

// Tokens reports the current token count for an endpoint's bucket, for
// metrics gauges.
func (rl *RateLimiter) Tokens(endpoint string) float64 {
	return rl.bucket(endpoint).Tokens()
}

// Endpoints lists every configured endpoint, for periodic saturation sweeps.
func (rl *RateLimiter) Endpoints() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]string, 0, len(rl.buckets))
	for e := range rl.buckets {
		out = append(out, e)
	}
	return out
}
