// Package strategy implements the Strategy Worker runtime and the
// BaseStrategy contract: a single-threaded event loop per strategy instance,
// consuming market data, computing indicators, and emitting at most one
// Proposal per update.
package strategy

import (
	"context"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// Bar is one OHLCV sample of the history a strategy operates on.
type Bar struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// History is the ring-buffered window of recent bars plus whatever derived
// indicator series a strategy's PopulateIndicators computed, keyed by name
// so strategies can carry arbitrary indicator sets.
type History struct {
	Bars       []Bar
	Indicators map[string][]float64
}

// BaseStrategy is the polymorphic contract every strategy implements.
// PopulateIndicators must be pure and deterministic; OnData may return at
// most one Proposal.
type BaseStrategy interface {
	// RequiredSubscriptions declares the routing-key patterns this strategy
	// consumes; the worker subscribes to exactly these.
	RequiredSubscriptions() []string

	// PopulateIndicators runs once per closed bar, synchronously.
	PopulateIndicators(history History) History

	// OnData runs once per market-data update.
	OnData(latest Bar, history History) (*domain.Proposal, error)
}

// Starter is implemented by strategies with setup to run once before the
// first OnData call.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is implemented by strategies with teardown to run on graceful
// shutdown.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// Snapshotter is implemented by strategies that support warm restart with
// an optional restartable state snapshot.
type Snapshotter interface {
	Snapshot() (any, error)
	Restore(snapshot any) error
}
