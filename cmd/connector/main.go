package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/exchange"
	"github.com/aristath/cryptosentinel/internal/healthsrv"
	"github.com/aristath/cryptosentinel/internal/logging"
	"github.com/aristath/cryptosentinel/internal/storage"
)

func main() {
	exchangeName := flag.String("exchange", os.Getenv("EXCHANGE_NAME"), "exchange this connector process talks to")
	flag.Parse()

	log := logging.New(logging.Config{Level: "info", Pretty: true}).With().Str("exchange", *exchangeName).Logger()
	if *exchangeName == "" {
		log.Fatal().Msg("missing -exchange / EXCHANGE_NAME")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode}).With().Str("exchange", *exchangeName).Logger()

	exCfg, ok := cfg.Exchanges[*exchangeName]
	if !ok {
		log.Fatal().Msg("exchange not present in EXCHANGES configuration")
	}

	db, err := storage.Open(cfg.DB.PrimaryURL, cfg.DB.ReplicaURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	trades := storage.NewTradeRepository(db, log)
	strategies := storage.NewStrategyRepository(db, log)

	b, err := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:              []string{cfg.Bus.URL},
		ConsumerGroup:        "connector-" + *exchangeName,
		MarketDataQueueDepth: 256,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols, err := symbolsForExchange(ctx, strategies, *exchangeName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load strategy symbols")
	}

	secrets := exchange.NewEnvSecretProvider()
	limiter := exchange.NewRateLimiter(cfg.RateLimit.TokensPerMinute, cfg.RateLimit.SafetyMargin, cfg.RateLimit.MaxQueueWait)
	cache := exchange.NewPriceCache(2 * time.Second)

	rest, err := exchange.NewHTTPClient(*exchangeName, exCfg.RESTURL, secrets, exCfg.APIKeyEnv, exCfg.APISecEnv, limiter, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build exchange REST client")
	}

	connector := exchange.NewConnector(*exchangeName, exCfg.WSURL, rest, limiter, cache, trades, b, symbols, cfg.DryRun, log)

	health := healthsrv.New("connector-"+*exchangeName, cfg.HealthPort, log)
	health.RegisterCheck("db", func() error { return db.Primary().PingContext(ctx) })
	health.Start()

	if err := connector.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("connector failed to start")
	}
	log.Info().Strs("symbols", symbols).Bool("dry_run", cfg.DryRun).Msg("exchange connector ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down exchange connector")
	connector.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("exchange connector stopped")
}

func symbolsForExchange(ctx context.Context, strategies *storage.StrategyRepository, exchangeName string) ([]string, error) {
	active, err := strategies.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active strategies: %w", err)
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range active {
		if s.Exchange != exchangeName || seen[s.Symbol] {
			continue
		}
		seen[s.Symbol] = true
		out = append(out, s.Symbol)
	}
	return out, nil
}
