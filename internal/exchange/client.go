package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/faults"
)

// OrderRequest is the normalized order the connector sends to an exchange.
type OrderRequest struct {
	ClientOrderID string // the proposal_id, used for idempotent retries
	Symbol        string
	Side          domain.Side
	Type          string
	Amount        decimal.Decimal
	Price         *decimal.Decimal
}

// OrderAck is the normalized order state an exchange reports back.
type OrderAck struct {
	ExchangeOrderID string
	Status          domain.TradeStatus
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
}

// PositionSnapshot is a normalized open position as the exchange reports it.
type PositionSnapshot struct {
	Symbol string
	Size   decimal.Decimal
	Entry  decimal.Decimal
}

// Candle is one OHLC bar, normalized across exchanges.
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// RESTClient is the small, stable internal contract every exchange-specific
// implementation satisfies.
type RESTClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	OrderStatus(ctx context.Context, clientOrderID string) (*OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	OpenOrders(ctx context.Context) ([]OrderAck, error)
	Positions(ctx context.Context) ([]PositionSnapshot, error)
	RecentCandles(ctx context.Context, symbol string, period int) ([]Candle, error)
	// Ticker polls the last-trade price for symbol; used by the market-data
	// circuit breaker's REST-polling fallback when the websocket is unhealthy.
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// serviceResponse is the standard response envelope, grounded on
// tradernet.Client.parseResponse.
type serviceResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// HTTPClient is a RESTClient backed by a single exchange's HTTP API. The
// concrete wire shapes below are the generic REST-exchange contract every
// supported venue is normalized into at the HTTP boundary.
type HTTPClient struct {
	exchange string
	baseURL  string
	apiKey   string
	apiSec   string
	client   *http.Client
	limiter  *RateLimiter
	log      zerolog.Logger
}

func NewHTTPClient(exchangeName, baseURL string, secrets SecretProvider, apiKeyEnv, apiSecEnv string, limiter *RateLimiter, log zerolog.Logger) (*HTTPClient, error) {
	key, err := secrets.GetSecret(apiKeyEnv)
	if err != nil {
		return nil, err
	}
	sec, err := secrets.GetSecret(apiSecEnv)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		exchange: exchangeName,
		baseURL:  baseURL,
		apiKey:   string(key),
		apiSec:   string(sec),
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  limiter,
		log:      log.With().Str("client", exchangeName).Logger(),
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, bucket string, req any) (*serviceResponse, error) {
	if err := c.limiter.Wait(ctx, bucket); err != nil {
		return nil, faults.Wrap(faults.RateLimited, "rate limiter wait canceled", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, faults.Wrap(faults.InternalBug, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.InternalBug, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.sign(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "post "+endpoint, err)
	}
	defer resp.Body.Close()
	return c.parseResponse(resp)
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, bucket string) (*serviceResponse, error) {
	if err := c.limiter.Wait(ctx, bucket); err != nil {
		return nil, faults.Wrap(faults.RateLimited, "rate limiter wait canceled", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, faults.Wrap(faults.InternalBug, "build request", err)
	}
	c.sign(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "get "+endpoint, err)
	}
	defer resp.Body.Close()
	return c.parseResponse(resp)
}

// sign attaches the exchange credentials. Never logged.
func (c *HTTPClient) sign(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Signature", signRequest(c.apiSec, req))
}

func (c *HTTPClient) parseResponse(resp *http.Response) (*serviceResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, faults.New(faults.RateLimited, fmt.Sprintf("%s returned 429", c.exchange))
	}
	if resp.StatusCode >= 500 {
		return nil, faults.New(faults.ExchangeTransient, fmt.Sprintf("%s returned %d", c.exchange, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, faults.New(faults.ExchangePermanent, fmt.Sprintf("%s returned %d: %s", c.exchange, resp.StatusCode, string(body)))
	}

	var result serviceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse response", err)
	}
	if !result.Success {
		errMsg := "unknown error"
		if result.Error != nil {
			errMsg = *result.Error
		}
		return &result, faults.New(faults.ExchangePermanent, fmt.Sprintf("%s: %s", c.exchange, errMsg))
	}
	return &result, nil
}

type placeOrderWire struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	Price         *float64 `json:"price,omitempty"`
}

type orderAckWire struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	FilledAmount    float64 `json:"filled_amount"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	Fee             float64 `json:"fee"`
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	amount, _ := req.Amount.Float64()
	wire := placeOrderWire{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          req.Type,
		Quantity:      amount,
	}
	if req.Price != nil {
		p, _ := req.Price.Float64()
		wire.Price = &p
	}

	resp, err := c.post(ctx, "/api/trading/place-order", "order", wire)
	if err != nil {
		return nil, err
	}
	var ack orderAckWire
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse order ack", err)
	}
	return toOrderAck(ack), nil
}

func (c *HTTPClient) OrderStatus(ctx context.Context, clientOrderID string) (*OrderAck, error) {
	resp, err := c.get(ctx, "/api/trading/order-status?client_order_id="+clientOrderID, "order")
	if err != nil {
		return nil, err
	}
	var ack orderAckWire
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse order status", err)
	}
	return toOrderAck(ack), nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := c.post(ctx, "/api/trading/cancel-order", "order", map[string]string{"exchange_order_id": exchangeOrderID})
	return err
}

func (c *HTTPClient) OpenOrders(ctx context.Context) ([]OrderAck, error) {
	resp, err := c.get(ctx, "/api/trading/open-orders", "account")
	if err != nil {
		return nil, err
	}
	var wire struct {
		Orders []orderAckWire `json:"orders"`
	}
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse open orders", err)
	}
	out := make([]OrderAck, 0, len(wire.Orders))
	for _, o := range wire.Orders {
		out = append(out, *toOrderAck(o))
	}
	return out, nil
}

func (c *HTTPClient) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	resp, err := c.get(ctx, "/api/portfolio/positions", "account")
	if err != nil {
		return nil, err
	}
	var wire struct {
		Positions []struct {
			Symbol   string  `json:"symbol"`
			Quantity float64 `json:"quantity"`
			AvgPrice float64 `json:"avg_price"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse positions", err)
	}
	out := make([]PositionSnapshot, 0, len(wire.Positions))
	for _, p := range wire.Positions {
		out = append(out, PositionSnapshot{
			Symbol: p.Symbol,
			Size:   decimal.NewFromFloat(p.Quantity),
			Entry:  decimal.NewFromFloat(p.AvgPrice),
		})
	}
	return out, nil
}

func (c *HTTPClient) RecentCandles(ctx context.Context, symbol string, period int) ([]Candle, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/market/candles?symbol=%s&period=%d", symbol, period), "market_data")
	if err != nil {
		return nil, err
	}
	var wire struct {
		Candles []struct {
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"candles"`
	}
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return nil, faults.Wrap(faults.ExchangeTransient, "parse candles", err)
	}
	out := make([]Candle, 0, len(wire.Candles))
	for _, cd := range wire.Candles {
		out = append(out, Candle{High: cd.High, Low: cd.Low, Close: cd.Close})
	}
	return out, nil
}

func (c *HTTPClient) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := c.get(ctx, "/api/market/ticker?symbol="+symbol, "market_data")
	if err != nil {
		return decimal.Zero, err
	}
	var wire struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return decimal.Zero, faults.Wrap(faults.ExchangeTransient, "parse ticker", err)
	}
	return decimal.NewFromFloat(wire.Price), nil
}

func toOrderAck(w orderAckWire) *OrderAck {
	return &OrderAck{
		ExchangeOrderID: w.ExchangeOrderID,
		Status:          domain.TradeStatus(w.Status),
		FilledAmount:    decimal.NewFromFloat(w.FilledAmount),
		AvgFillPrice:    decimal.NewFromFloat(w.AvgFillPrice),
		Fee:             decimal.NewFromFloat(w.Fee),
	}
}
