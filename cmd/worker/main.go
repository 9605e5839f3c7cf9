package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/logging"
	"github.com/aristath/cryptosentinel/internal/storage"
	"github.com/aristath/cryptosentinel/internal/strategy"
	"github.com/aristath/cryptosentinel/internal/strategy/strategies"
)

func main() {
	envDefault := int64(0)
	if v := os.Getenv("STRATEGY_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			envDefault = n
		}
	}
	strategyID := flag.Int64("strategy-id", envDefault, "id of the strategies row this worker runs")
	flag.Parse()

	log := logging.New(logging.Config{Level: "info", Pretty: true}).With().Int64("strategy_id", *strategyID).Logger()

	if *strategyID == 0 {
		log.Fatal().Msg("missing -strategy-id / STRATEGY_ID")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode}).With().Int64("strategy_id", *strategyID).Logger()

	db, err := storage.Open(cfg.DB.PrimaryURL, cfg.DB.ReplicaURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	strategyRepo := storage.NewStrategyRepository(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	row, err := strategyRepo.Get(ctx, *strategyID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load strategy row")
	}

	base, err := strategies.New(*row)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build strategy")
	}

	b, err := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:              []string{cfg.Bus.URL},
		ConsumerGroup:        workerConsumerGroup(*strategyID),
		MarketDataQueueDepth: 256,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}
	defer b.Close()

	store := strategy.NewFileSnapshotStore(snapshotDir())

	worker := strategy.NewWorker(strategy.WorkerConfig{
		StrategyID:  row.ID,
		Symbol:      row.Symbol,
		RingSize:    500,
		Cooldown:    time.Second,
		SnapshotKey: workerSnapshotKey(*strategyID),
	}, base, b, store, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("worker received shutdown signal")
		cancel()
	}()

	log.Info().Str("strategy_type", row.StrategyType).Str("symbol", row.Symbol).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("worker exited with error")
	}
	log.Info().Msg("worker stopped")
}

func workerConsumerGroup(strategyID int64) string {
	return "strategy-worker-" + strconv.FormatInt(strategyID, 10)
}

func workerSnapshotKey(strategyID int64) string {
	return "strategy_" + strconv.FormatInt(strategyID, 10)
}

func snapshotDir() string {
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		return v
	}
	return "./snapshots"
}
