package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWaitConsumesToken(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"order": 600}, 0.2, time.Second)
	before := rl.Tokens("order")
	require.NoError(t, rl.Wait(context.Background(), "order"))
	assert.Less(t, rl.Tokens("order"), before)
}

func TestRateLimiterSaturatedAfterDraining(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"order": 2}, 0, time.Second)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, rl.Wait(ctx, "order"))
	}
	assert.True(t, rl.Saturated("order"))
}

func TestRateLimiterUnknownEndpointGetsDefaultBucket(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"order": 600}, 0.2, time.Second)
	assert.False(t, rl.Saturated("market_data"))
	assert.Contains(t, rl.Endpoints(), "market_data")
}

// TestRateLimiterWaitBoundedByMaxQueueWait is spec §5's rate-limit-exhaustion
// contract at the bucket level: once a bucket is drained, Wait must give up
// after maxQueueWait rather than block forever on an otherwise-unbounded ctx.
func TestRateLimiterWaitBoundedByMaxQueueWait(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"order": 1}, 0, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx, "order")) // drains the single token

	start := time.Now()
	err := rl.Wait(ctx, "order")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "Wait must not block past maxQueueWait")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
