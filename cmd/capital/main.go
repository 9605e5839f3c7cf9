package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/capital"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/healthsrv"
	"github.com/aristath/cryptosentinel/internal/logging"
	"github.com/aristath/cryptosentinel/internal/storage"
)

func main() {
	log := logging.New(logging.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting capital manager")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := storage.Open(cfg.DB.PrimaryURL, cfg.DB.ReplicaURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	b, err := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:              []string{cfg.Bus.URL},
		ConsumerGroup:        "capital-manager",
		MarketDataQueueDepth: 256,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}
	defer b.Close()

	portfolios := storage.NewPortfolioRepository(db, log)
	strategies := storage.NewStrategyRepository(db, log)
	positions := storage.NewPositionRepository(db, log)
	trades := storage.NewTradeRepository(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candles, err := capital.NewBusCandleSource(ctx, b, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up candle requester")
	}

	manager := capital.NewManager(b, portfolios, strategies, positions, trades, candles, cfg.Capital.KellyMaxFraction, log)

	health := healthsrv.New("capital", cfg.HealthPort, log)
	health.RegisterCheck("db", func() error { return db.Primary().PingContext(ctx) })
	health.Start()

	if err := manager.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe capital manager to proposals")
	}
	log.Info().Msg("capital manager ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down capital manager")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("capital manager stopped")
}
