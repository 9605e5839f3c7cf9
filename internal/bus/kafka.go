package bus

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/metrics"
)

// KafkaConfig configures the Kafka-backed bus.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	// MarketDataQueueDepth bounds the best-effort market-data send queue; once
	// full, the oldest queued frame is dropped in favor of the newest.
	MarketDataQueueDepth int
}

// KafkaBus is the production Message Bus, grounded on
// DimaJoyti-go-coffee/producer/kafka/producer.go (sync+async split, required
// -acks config) and .../consumer/kafka/group_consumer.go (consumer-group
// handler with explicit offset marking as the ack primitive).
type KafkaBus struct {
	cfg    KafkaConfig
	log    zerolog.Logger
	sync_  sarama.SyncProducer
	async  sarama.AsyncProducer
	client sarama.Client

	mu      sync.Mutex
	groups  []sarama.ConsumerGroup
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaBus dials the Kafka cluster and wires up sync + async producers.
func NewKafkaBus(cfg KafkaConfig, log zerolog.Logger) (*KafkaBus, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Version = sarama.V2_8_0_0

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("bus: dial kafka: %w", err)
	}

	syncProducer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: sync producer: %w", err)
	}

	asyncProducer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		syncProducer.Close()
		client.Close()
		return nil, fmt.Errorf("bus: async producer: %w", err)
	}

	b := &KafkaBus{
		cfg:    cfg,
		log:    log.With().Str("component", "bus").Logger(),
		sync_:  syncProducer,
		async:  asyncProducer,
		client: client,
	}

	b.wg.Add(2)
	go b.drainAsyncSuccesses()
	go b.drainAsyncErrors()

	return b, nil
}

func (b *KafkaBus) drainAsyncSuccesses() {
	defer b.wg.Done()
	for msg := range b.async.Successes() {
		b.log.Debug().Str("topic", msg.Topic).Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("market data frame published")
	}
}

func (b *KafkaBus) drainAsyncErrors() {
	defer b.wg.Done()
	for err := range b.async.Errors() {
		b.log.Warn().Err(err.Err).Str("topic", err.Msg.Topic).Msg("market data publish failed, frame dropped")
	}
}

// Publish sends a message on the bus. Command and event classes use the sync
// producer so Publish does not return until the broker acks, since both must
// be durable and require consumer acknowledgement; market-data class uses
// the async producer and never blocks the caller.
func (b *KafkaBus) Publish(ctx context.Context, routingKey string, v any) error {
	msg, err := NewMessage(routingKey, v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}

	metrics.BusPublishTotal.WithLabelValues(classLabel(ClassOf(routingKey))).Inc()

	pm := &sarama.ProducerMessage{
		Topic: Topic(routingKey),
		Key:   sarama.StringEncoder(routingKey),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("routing_key"), Value: []byte(routingKey)},
			{Key: []byte("message_id"), Value: []byte(msg.ID)},
		},
	}

	if ClassOf(routingKey) == ClassMarketData {
		select {
		case b.async.Input() <- pm:
			return nil
		default:
			b.log.Warn().Str("routing_key", routingKey).Msg("market data queue saturated, dropping oldest frame")
			// Drop-oldest: best-effort drain one slot then retry once.
			select {
			case <-b.async.Successes():
			default:
			}
			select {
			case b.async.Input() <- pm:
			default:
			}
			return nil
		}
	}

	_, _, err = b.sync_.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe registers a handler for a routing-key pattern ("events.*",
// "market_data.binance.BTCUSDT", ...). Internally it joins the consumer group
// for the pattern's underlying topic and filters deliveries by pattern,
// marking messages only after the handler succeeds.
func (b *KafkaBus) Subscribe(ctx context.Context, pattern string, prefetch int, h Handler) error {
	topic := topicForPattern(pattern)

	group, err := sarama.NewConsumerGroupFromClient(b.cfg.ConsumerGroup, b.client)
	if err != nil {
		return fmt.Errorf("bus: consumer group: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	handler := &groupHandler{pattern: pattern, h: h, log: b.log}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			if err := group.Consume(cctx, []string{topic}, handler); err != nil {
				if cctx.Err() != nil {
					return
				}
				b.log.Error().Err(err).Str("topic", topic).Msg("consumer group error, retrying")
				time.Sleep(time.Second)
			}
			if cctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.log.Error().Err(err).Str("topic", topic).Msg("consumer group background error")
		}
	}()

	return nil
}

func topicForPattern(pattern string) string {
	switch {
	case strings.HasPrefix(pattern, "market_data"):
		return "market_data"
	case strings.HasPrefix(pattern, PrefixCommandsOperator):
		return "commands.operator"
	case strings.HasPrefix(pattern, PrefixRequestOrderStatus):
		return "request.reconcile.order_status"
	case strings.HasPrefix(pattern, "commands."):
		return "commands.execute_trade"
	case strings.HasPrefix(pattern, PrefixRequestCapital):
		return "request.capital.allocation"
	case strings.HasPrefix(pattern, PrefixRequestReconcileSnapshot):
		return "request.reconcile.snapshot"
	case strings.HasPrefix(pattern, PrefixRequestCandles):
		return "request.capital.candles"
	case strings.HasPrefix(pattern, "events."):
		return "events"
	default:
		return "observability"
	}
}

// matchPattern reports whether routingKey satisfies the subscribe pattern.
// A trailing "*" matches any suffix beginning at that path segment.
func matchPattern(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		prefix = strings.TrimSuffix(prefix, ".")
		return routingKey == prefix || strings.HasPrefix(routingKey, prefix+".")
	}
	matched, _ := path.Match(pattern, routingKey)
	return matched
}

// groupHandler adapts a single pattern+Handler pair to sarama's
// ConsumerGroupHandler, marking offsets only on successful processing.
type groupHandler struct {
	pattern string
	h       Handler
	log     zerolog.Logger
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	// NOTE: do not move this loop into a goroutine; ConsumeClaim already runs
	// in one (sarama's contract, mirrored from DimaJoyti-go-coffee's
	// consumer/kafka/group_consumer.go comment).
	for kmsg := range claim.Messages() {
		routingKey := headerValue(kmsg.Headers, "routing_key")
		if !matchPattern(g.pattern, routingKey) {
			session.MarkMessage(kmsg, "")
			continue
		}

		msg := Message{
			ID:         headerValue(kmsg.Headers, "message_id"),
			RoutingKey: routingKey,
			Payload:    kmsg.Value,
			Timestamp:  kmsg.Timestamp,
		}

		if err := g.h(session.Context(), msg); err != nil {
			g.log.Warn().Err(err).Str("routing_key", routingKey).Msg("handler failed, message left unacked for redelivery")
			return nil // return from ConsumeClaim without marking; group rebalance/rejoin redelivers.
		}

		metrics.BusConsumeTotal.WithLabelValues(classLabel(ClassOf(routingKey))).Inc()
		session.MarkMessage(kmsg, "")
	}
	return nil
}

func classLabel(c DeliveryClass) string {
	switch c {
	case ClassCommand:
		return "command"
	case ClassEvent:
		return "event"
	case ClassMarketData:
		return "market_data"
	default:
		return "observability"
	}
}

func headerValue(headers []*sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Close shuts down every subscription and the underlying producers/client.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	groups := append([]sarama.ConsumerGroup(nil), b.groups...)
	b.mu.Unlock()

	for _, g := range groups {
		_ = g.Close()
	}

	_ = b.async.Close()
	b.wg.Wait()

	if err := b.sync_.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
