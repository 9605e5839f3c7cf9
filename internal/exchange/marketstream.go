package exchange

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"
)

const (
	writeWait            = 10 * time.Second
	dialTimeout          = 30 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	unhealthyAfterMisses = 3
	pollInterval         = 5 * time.Second
)

// TickHandler receives one normalized market-data tick.
type TickHandler func(symbol string, price decimal.Decimal, ts time.Time)

// MarketStream maintains a websocket per exchange, normalizes frames, and
// falls back to REST polling via a circuit breaker when the socket is
// unhealthy.
type MarketStream struct {
	exchange string
	wsURL    string
	symbols  []string
	rest     RESTClient
	onTick   TickHandler
	log      zerolog.Logger

	httpClient *http.Client

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	stopped      bool
	stopChan     chan struct{}
	consecutiveReadFailures int

	pollMu sync.Mutex
	polling bool
}

func NewMarketStream(exchange, wsURL string, symbols []string, rest RESTClient, onTick TickHandler, log zerolog.Logger) *MarketStream {
	return &MarketStream{
		exchange:   exchange,
		wsURL:      wsURL,
		symbols:    symbols,
		rest:       rest,
		onTick:     onTick,
		log:        log.With().Str("component", "market_stream").Str("exchange", exchange).Logger(),
		httpClient: createHTTP1Client(),
		stopChan:   make(chan struct{}),
	}
}

// createHTTP1Client forces HTTP/1.1 for the websocket upgrade; several
// exchanges sit behind Cloudflare, which negotiates HTTP/2 via ALPN unless
// told otherwise.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Start connects the websocket and begins the read loop; on failure it keeps
// retrying in the background and runs REST polling meanwhile.
func (ms *MarketStream) Start(ctx context.Context) {
	if err := ms.connect(ctx); err != nil {
		ms.log.Warn().Err(err).Msg("initial websocket connection failed, falling back to REST polling")
		go ms.pollLoop(ctx)
		go ms.reconnectLoop(ctx)
		return
	}
	go ms.readLoop(ctx)
}

func (ms *MarketStream) Stop() {
	ms.mu.Lock()
	if ms.stopped {
		ms.mu.Unlock()
		return
	}
	ms.stopped = true
	conn := ms.conn
	ms.conn = nil
	ms.mu.Unlock()

	close(ms.stopChan)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

func (ms *MarketStream) connect(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ms.wsURL, &websocket.DialOptions{HTTPClient: ms.httpClient})
	if err != nil {
		return fmt.Errorf("exchange: dial market stream: %w", err)
	}

	subMsg, _ := json.Marshal(map[string]any{"op": "subscribe", "symbols": ms.symbols})
	writeCtx, writeCancel := context.WithTimeout(ctx, writeWait)
	defer writeCancel()
	if err := conn.Write(writeCtx, websocket.MessageText, subMsg); err != nil {
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return fmt.Errorf("exchange: subscribe market stream: %w", err)
	}

	ms.conn = conn
	ms.connected = true
	ms.consecutiveReadFailures = 0
	ms.log.Info().Msg("market stream connected")
	return nil
}

func (ms *MarketStream) readLoop(ctx context.Context) {
	for {
		ms.mu.Lock()
		conn := ms.conn
		stopped := ms.stopped
		ms.mu.Unlock()
		if stopped || conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ms.mu.Lock()
			ms.connected = false
			ms.consecutiveReadFailures++
			ms.mu.Unlock()

			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure {
				return
			}
			ms.log.Warn().Err(err).Msg("market stream read error")

			if ms.unhealthy() {
				go ms.pollLoop(ctx)
			}
			go ms.reconnectLoop(ctx)
			return
		}

		if err := ms.handleFrame(data); err != nil {
			ms.log.Debug().Err(err).Msg("failed to parse market stream frame")
		}
	}
}

type tickFrame struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func (ms *MarketStream) handleFrame(data []byte) error {
	var frame tickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	ms.onTick(frame.Symbol, decimal.NewFromFloat(frame.Price), time.Now())
	return nil
}

// unhealthy reports whether the circuit breaker should trip to REST polling.
func (ms *MarketStream) unhealthy() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.consecutiveReadFailures >= unhealthyAfterMisses
}

// pollLoop fills in with REST ticker polling while the websocket is down,
// and stops itself once the socket reconnects.
func (ms *MarketStream) pollLoop(ctx context.Context) {
	ms.pollMu.Lock()
	if ms.polling {
		ms.pollMu.Unlock()
		return
	}
	ms.polling = true
	ms.pollMu.Unlock()
	defer func() {
		ms.pollMu.Lock()
		ms.polling = false
		ms.pollMu.Unlock()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.mu.Lock()
			recovered := ms.connected
			ms.mu.Unlock()
			if recovered {
				return
			}
			for _, symbol := range ms.symbols {
				price, err := ms.rest.Ticker(ctx, symbol)
				if err != nil {
					ms.log.Warn().Err(err).Str("symbol", symbol).Msg("REST poll fallback failed")
					continue
				}
				ms.onTick(symbol, price, time.Now())
			}
		}
	}
}

func (ms *MarketStream) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ms.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		delay := backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ms.stopChan:
			return
		case <-ctx.Done():
			return
		}

		if err := ms.connect(ctx); err != nil {
			ms.log.Warn().Err(err).Int("attempt", attempt).Msg("market stream reconnect failed")
			ms.mu.Lock()
			ms.consecutiveReadFailures++
			ms.mu.Unlock()
			if ms.unhealthy() {
				go ms.pollLoop(ctx)
			}
			continue
		}
		go ms.readLoop(ctx)
		return
	}
}

func backoff(attempt int) time.Duration {
	d := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		d = float64(maxReconnectDelay)
	}
	return time.Duration(d)
}
