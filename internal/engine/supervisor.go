package engine

import (
	"context"
	"math/rand"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/domain"
)

// Supervisor starts one OS process per active strategy, isolating strategies
// from each other at the process level rather than as threads or in-process
// plugins, and restarts it on crash with exponential backoff, up to a
// configurable cap per rolling window.
type Supervisor struct {
	workerBinary string
	cfg          config.WorkerConfig
	publisher    bus.Publisher
	log          zerolog.Logger

	mu       sync.Mutex
	workers  map[int64]*supervisedWorker
	haltFunc func(ctx context.Context, strategyID int64) error
}

type supervisedWorker struct {
	strategyID int64
	cancel     context.CancelFunc
	restarts   []time.Time
	backoff    time.Duration
}

// NewSupervisor constructs a Supervisor that execs workerBinary once per
// started strategy. haltFunc is called to persist is_active=false once the
// restart budget for a strategy is exhausted.
func NewSupervisor(workerBinary string, cfg config.WorkerConfig, publisher bus.Publisher, haltFunc func(ctx context.Context, strategyID int64) error, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		workerBinary: workerBinary,
		cfg:          cfg,
		publisher:    publisher,
		haltFunc:     haltFunc,
		log:          log.With().Str("component", "supervisor").Logger(),
		workers:      make(map[int64]*supervisedWorker),
	}
}

// Start launches a supervised worker process for strategy, restarting it
// under crash per the backoff policy until Stop is called or the restart
// budget is exhausted.
func (s *Supervisor) Start(ctx context.Context, strategy domain.Strategy) {
	s.mu.Lock()
	if _, exists := s.workers[strategy.ID]; exists {
		s.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w := &supervisedWorker{strategyID: strategy.ID, cancel: cancel, backoff: s.cfg.RestartBackoff}
	s.workers[strategy.ID] = w
	s.mu.Unlock()

	go s.run(workerCtx, strategy, w)
}

// Stop signals a graceful stop (SIGTERM) for a running worker; the process
// flushes its snapshot and exits on its own, and is killed if it is still
// running 10s later.
func (s *Supervisor) Stop(strategyID int64) {
	s.mu.Lock()
	w, ok := s.workers[strategyID]
	if ok {
		delete(s.workers, strategyID)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (s *Supervisor) run(ctx context.Context, strategy domain.Strategy, w *supervisedWorker) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.CommandContext(ctx, s.workerBinary, "-strategy-id", strconv.FormatInt(strategy.ID, 10))
		cmd.Env = append(cmd.Env, "STRATEGY_ID="+strconv.FormatInt(strategy.ID, 10))
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = 10 * time.Second

		s.log.Info().Int64("strategy_id", strategy.ID).Msg("starting strategy worker")
		err := cmd.Run()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			s.log.Warn().Int64("strategy_id", strategy.ID).Err(err).Msg("strategy worker exited")
		} else {
			s.log.Warn().Int64("strategy_id", strategy.ID).Msg("strategy worker exited cleanly, restarting")
		}

		now := time.Now()
		w.restarts = append(w.restarts, now)
		w.restarts = withinWindow(w.restarts, now, s.cfg.RestartWindow)

		if len(w.restarts) > s.cfg.MaxRestartsPerWindow {
			s.log.Error().Int64("strategy_id", strategy.ID).Msg("restart budget exhausted, halting strategy")
			_ = s.publisher.Publish(ctx, bus.AlertKey("strategy.halted"), map[string]any{"strategy_id": strategy.ID})
			if s.haltFunc != nil {
				if err := s.haltFunc(context.Background(), strategy.ID); err != nil {
					s.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("failed to persist strategy halt")
				}
			}
			s.mu.Lock()
			delete(s.workers, strategy.ID)
			s.mu.Unlock()
			return
		}

		select {
		case <-time.After(backoffFor(w)):
		case <-ctx.Done():
			return
		}
	}
}

// backoffFor doubles the wait on each consecutive restart, capped at ten
// times the configured base backoff, plus up to 25% jitter so a cluster of
// strategies that crash together don't all restart in lockstep.
func backoffFor(w *supervisedWorker) time.Duration {
	maxWait := w.backoff * 10
	wait := w.backoff * time.Duration(1<<uint(minInt(len(w.restarts), 6)))
	if wait > maxWait {
		wait = maxWait
	}
	wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait
}

func withinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
