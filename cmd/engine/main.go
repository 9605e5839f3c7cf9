package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/engine"
	"github.com/aristath/cryptosentinel/internal/healthsrv"
	"github.com/aristath/cryptosentinel/internal/logging"
	"github.com/aristath/cryptosentinel/internal/storage"
)

func main() {
	log := logging.New(logging.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting core engine")

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

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	b, err := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:              []string{cfg.Bus.URL},
		ConsumerGroup:        "core-engine",
		MarketDataQueueDepth: 256,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}
	defer b.Close()

	strategies := storage.NewStrategyRepository(db, log)
	positions := storage.NewPositionRepository(db, log)
	portfolios := storage.NewPortfolioRepository(db, log)
	trades := storage.NewTradeRepository(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshotter, err := engine.NewBusExchangeSnapshotter(ctx, b, 10*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up exchange snapshot requester")
	}

	reconciler := engine.NewReconciler(trades, positions, portfolios, strategies, snapshotter, b, cfg.Reconcile.OrphanPolicy, log)

	supervisor := engine.NewSupervisor(workerBinaryPath(), cfg.Worker, b, func(ctx context.Context, strategyID int64) error {
		return strategies.SetActive(ctx, strategyID, false)
	}, log)

	eng := engine.New(cfg, b, db, strategies, portfolios, supervisor, reconciler, log)

	health := healthsrv.New("engine", cfg.HealthPort, log)
	health.RegisterCheck("db", func() error { return db.Primary().PingContext(ctx) })
	health.RegisterCheck("halted", func() error {
		if eng.Halted() {
			return errors.New("engine is in emergency halt")
		}
		return nil
	})
	health.Start()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine failed to start")
	}

	log.Info().Msg("core engine ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down core engine")
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("core engine stopped")
}

func workerBinaryPath() string {
	if v := os.Getenv("WORKER_BINARY_PATH"); v != "" {
		return v
	}
	return "./worker"
}
