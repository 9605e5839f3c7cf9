package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/storage"
)

// Engine is the core orchestrator: it owns the startup sequence, the worker
// Supervisor, the Reconciler, and global health aggregation.
type Engine struct {
	cfg        *config.Config
	bus        bus.Bus
	db         *storage.DB
	strategies *storage.StrategyRepository
	portfolios *storage.PortfolioRepository
	supervisor *Supervisor
	reconciler *Reconciler
	scheduler  *Scheduler
	operator   *OperatorCommands
	log        zerolog.Logger

	haltedUntilCleared bool
}

func New(cfg *config.Config, b bus.Bus, db *storage.DB, strategies *storage.StrategyRepository, portfolios *storage.PortfolioRepository, supervisor *Supervisor, reconciler *Reconciler, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		bus:        b,
		db:         db,
		strategies: strategies,
		portfolios: portfolios,
		supervisor: supervisor,
		reconciler: reconciler,
		scheduler:  NewScheduler(log),
		log:        log.With().Str("component", "engine").Logger(),
	}
	e.operator = NewOperatorCommands(e, strategies, portfolios, supervisor, reconciler, log)
	return e
}

// Start performs the mandatory startup sequence: config/secrets are assumed
// already loaded by the caller (they gate whether New can even be
// constructed); from here it reconciles, spawns workers, subscribes for
// aggregation, and publishes system.ready.
func (e *Engine) Start(ctx context.Context) error {
	e.log.Info().Msg("running state reconciliation protocol")
	if err := e.reconciler.Run(ctx); err != nil {
		_ = e.bus.Publish(ctx, bus.AlertKey("reconcile.failed"), map[string]any{"reason": err.Error()})
		return fmt.Errorf("engine: reconciliation failed, refusing to start: %w", err)
	}

	active, err := e.strategies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: load active strategies: %w", err)
	}
	for _, s := range active {
		e.supervisor.Start(ctx, s)
	}

	if err := e.bus.Subscribe(ctx, "events.*", e.cfg.Bus.Prefetch, e.onGlobalEvent); err != nil {
		return fmt.Errorf("engine: subscribe to events: %w", err)
	}

	if err := e.operator.Subscribe(ctx, e.bus); err != nil {
		return fmt.Errorf("engine: subscribe operator commands: %w", err)
	}

	if err := e.scheduler.AddJob(reconcileCronSchedule(e.cfg.Reconcile.PeriodicInterval), e.reconciler); err != nil {
		return fmt.Errorf("engine: schedule periodic reconciliation: %w", err)
	}

	for _, interval := range clockTickIntervals(active) {
		job := NewClockTickJob(interval, e.bus)
		if err := e.scheduler.AddJob(cronScheduleForInterval(interval), job); err != nil {
			return fmt.Errorf("engine: schedule clock tick for %s: %w", interval, err)
		}
	}

	e.scheduler.Start()

	if err := e.bus.Publish(ctx, bus.PrefixSystemReady, map[string]any{"ready": true}); err != nil {
		return fmt.Errorf("engine: publish system.ready: %w", err)
	}

	e.log.Info().Int("active_strategies", len(active)).Msg("engine ready")
	return nil
}

func (e *Engine) Stop() {
	e.scheduler.Stop()
}

func (e *Engine) onGlobalEvent(ctx context.Context, msg bus.Message) error {
	e.log.Debug().Str("routing_key", msg.RoutingKey).Msg("global event observed")
	return nil
}

// EmergencyHalt broadcasts a stop to every worker and refuses new
// commands.execute_trade until ClearHalt is called.
func (e *Engine) EmergencyHalt(ctx context.Context, strategyIDs []int64) error {
	e.haltedUntilCleared = true
	for _, id := range strategyIDs {
		e.supervisor.Stop(id)
	}
	return e.bus.Publish(ctx, bus.AlertKey("emergency_halt"), map[string]any{"halted": true})
}

// ClearHalt lifts an emergency halt, publishing alerts.emergency_halt.cleared
// so every process-local ReadinessGate (Capital Manager, Exchange Connector)
// resumes accepting commands.execute_trade.
func (e *Engine) ClearHalt(ctx context.Context) error {
	e.haltedUntilCleared = false
	return e.bus.Publish(ctx, bus.AlertKey("emergency_halt.cleared"), map[string]any{"halted": false})
}

func (e *Engine) Halted() bool {
	return e.haltedUntilCleared
}

func reconcileCronSchedule(interval time.Duration) string {
	if interval <= 0 {
		interval = time.Hour
	}
	return fmt.Sprintf("@every %s", interval)
}
