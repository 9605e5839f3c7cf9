package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/faults"
)

type fakeSecrets struct {
	values map[string]string
}

func (f fakeSecrets) GetSecret(name string) ([]byte, error) {
	v, ok := f.values[name]
	if !ok {
		return nil, faults.New(faults.SecretMissing, "not set")
	}
	return []byte(v), nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	secrets := fakeSecrets{values: map[string]string{"KEY": "key", "SEC": "sec"}}
	limiter := NewRateLimiter(map[string]int{"order": 6000, "account": 6000, "market_data": 6000}, 0, time.Second)
	c, err := NewHTTPClient("testex", srv.URL, secrets, "KEY", "SEC", limiter, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewHTTPClientRequiresSecrets(t *testing.T) {
	limiter := NewRateLimiter(nil, 0, time.Second)
	_, err := NewHTTPClient("testex", "http://example.invalid", fakeSecrets{values: map[string]string{}}, "KEY", "SEC", limiter, zerolog.Nop())
	assert.Error(t, err)
}

func TestPlaceOrderSignsAndDecodesAck(t *testing.T) {
	var gotSignature string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-API-Signature")
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(serviceResponse{
			Success: true,
			Data:    json.RawMessage(`{"exchange_order_id":"ex-1","status":"open","filled_amount":0,"avg_fill_price":0,"fee":0}`),
		})
	})

	ack, err := c.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "p1", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", ack.ExchangeOrderID)
	assert.NotEmpty(t, gotSignature)
}

func TestParseResponseClassifiesRateLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Ticker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.RateLimited, f.Kind)
}

func TestParseResponseClassifiesServerErrorAsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Ticker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.ExchangeTransient, f.Kind)
	assert.True(t, f.Kind.Retryable())
}

func TestParseResponseClassifiesClientErrorAsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Ticker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.ExchangePermanent, f.Kind)
	assert.True(t, f.Kind.Terminal())
}

func TestParseResponseFailedEnvelopeIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		msg := "insufficient balance"
		_ = json.NewEncoder(w).Encode(serviceResponse{Success: false, Error: &msg})
	})

	_, err := c.Ticker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.ExchangePermanent, f.Kind)
}

// TestPlaceOrderFailsRateLimitedOnDrainedBucketInsteadOfHanging is spec §8
// scenario 5 at the HTTPClient boundary: a drained bucket must bounded-wait
// then fail with rate_limited, never hang on an unbounded ctx.
func TestPlaceOrderFailsRateLimitedOnDrainedBucketInsteadOfHanging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(serviceResponse{
			Success: true,
			Data:    json.RawMessage(`{"exchange_order_id":"ex-1","status":"open","filled_amount":0,"avg_fill_price":0,"fee":0}`),
		})
	}))
	t.Cleanup(srv.Close)

	secrets := fakeSecrets{values: map[string]string{"KEY": "key", "SEC": "sec"}}
	limiter := NewRateLimiter(map[string]int{"order": 1}, 0, 20*time.Millisecond)
	c, err := NewHTTPClient("testex", srv.URL, secrets, "KEY", "SEC", limiter, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "p1", Symbol: "BTCUSDT"})
	require.NoError(t, err) // drains the single token

	start := time.Now()
	_, err = c.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "p2", Symbol: "BTCUSDT"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "PlaceOrder must not hang past maxQueueWait")
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.RateLimited, f.Kind)
}
