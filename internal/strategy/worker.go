package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/bus"
)

// WorkerConfig tunes a worker's runtime guarantees: a bounded ring buffer
// and a signal cooldown to prevent oscillation.
type WorkerConfig struct {
	StrategyID  int64
	Symbol      string
	RingSize    int
	Cooldown    time.Duration
	SnapshotKey string
}

// Worker runs exactly one BaseStrategy instance in a single-threaded event
// loop: one goroutine, one bus subscription set, serial processing of all
// subscribed streams.
type Worker struct {
	cfg      WorkerConfig
	strategy BaseStrategy
	bus      bus.Bus
	store    SnapshotStore
	log      zerolog.Logger

	history      History
	lastEmitted  time.Time
}

func NewWorker(cfg WorkerConfig, strategy BaseStrategy, b bus.Bus, store SnapshotStore, log zerolog.Logger) *Worker {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 500
	}
	return &Worker{
		cfg:      cfg,
		strategy: strategy,
		bus:      b,
		store:    store,
		log:      log.With().Int64("strategy_id", cfg.StrategyID).Str("symbol", cfg.Symbol).Logger(),
	}
}

// Run restores any prior snapshot, runs OnStart, subscribes to every
// declared routing key, and blocks until ctx is canceled, at which point it
// runs OnStop and flushes a fresh snapshot.
func (w *Worker) Run(ctx context.Context) error {
	if snap, ok := w.strategy.(Snapshotter); ok && w.store != nil {
		if raw, err := w.store.Load(ctx, w.cfg.SnapshotKey); err == nil && raw != nil {
			if err := snap.Restore(raw); err != nil {
				w.log.Warn().Err(err).Msg("failed to restore snapshot, starting cold")
			} else {
				w.log.Info().Msg("restored warm-start snapshot")
			}
		}
	}

	if starter, ok := w.strategy.(Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			return fmt.Errorf("strategy on_start: %w", err)
		}
	}

	for _, key := range w.strategy.RequiredSubscriptions() {
		if err := w.bus.Subscribe(ctx, key, 32, w.onMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", key, err)
		}
	}

	<-ctx.Done()

	if stopper, ok := w.strategy.(Stopper); ok {
		if err := stopper.OnStop(context.Background()); err != nil {
			w.log.Warn().Err(err).Msg("strategy on_stop failed")
		}
	}

	w.flushSnapshot(context.Background())
	return nil
}

func (w *Worker) onMessage(ctx context.Context, msg bus.Message) error {
	var bar Bar
	if err := msg.Unmarshal(&bar); err != nil {
		return fmt.Errorf("decode market data frame: %w", err)
	}

	w.history.Bars = append(w.history.Bars, bar)
	if len(w.history.Bars) > w.cfg.RingSize {
		w.history.Bars = w.history.Bars[len(w.history.Bars)-w.cfg.RingSize:]
	}
	w.history = w.strategy.PopulateIndicators(w.history)

	proposal, err := w.strategy.OnData(bar, w.history)
	if err != nil {
		return fmt.Errorf("on_data: %w", err)
	}
	if proposal == nil {
		return nil
	}

	if !w.lastEmitted.IsZero() && time.Since(w.lastEmitted) < w.cfg.Cooldown {
		w.log.Debug().Msg("signal suppressed by cooldown")
		return nil
	}

	proposal.StrategyID = w.cfg.StrategyID
	if proposal.ProposalID == "" {
		proposal.ProposalID = uuid.NewString()
	}
	proposal.CreatedAt = time.Now()

	if err := w.bus.Publish(ctx, bus.CapitalRequestKey(w.cfg.StrategyID), *proposal); err != nil {
		return fmt.Errorf("publish proposal: %w", err)
	}
	w.lastEmitted = time.Now()
	return nil
}

func (w *Worker) flushSnapshot(ctx context.Context) {
	snap, ok := w.strategy.(Snapshotter)
	if !ok || w.store == nil {
		return
	}
	data, err := snap.Snapshot()
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to produce snapshot")
		return
	}
	if err := w.store.Save(ctx, w.cfg.SnapshotKey, data); err != nil {
		w.log.Warn().Err(err).Msg("failed to persist snapshot")
	}
}
