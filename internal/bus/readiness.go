package bus

import (
	"context"
	"sync/atomic"
)

// ReadinessGate tracks system.ready and emergency-halt state across process
// boundaries. commands.execute_trade must never be published before
// system.ready (spec §8), and an emergency_halt must block new
// commands.execute_trade until an operator clears it (spec §4.2) — since the
// Core Engine, Capital Manager and Exchange Connector are separate
// processes, that state can only travel over the bus, never in memory.
type ReadinessGate struct {
	ready  atomic.Bool
	halted atomic.Bool
}

// NewReadinessGate returns a gate that starts closed: not ready, not halted.
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{}
}

// Subscribe wires the gate to system.ready and alerts.emergency_halt(.cleared).
// Call once per process after the bus is connected and before any component
// that checks Allowed starts processing.
func (g *ReadinessGate) Subscribe(ctx context.Context, b Subscriber) error {
	if err := b.Subscribe(ctx, PrefixSystemReady, 1, func(_ context.Context, _ Message) error {
		g.ready.Store(true)
		return nil
	}); err != nil {
		return err
	}
	if err := b.Subscribe(ctx, AlertKey("emergency_halt"), 1, func(_ context.Context, _ Message) error {
		g.halted.Store(true)
		return nil
	}); err != nil {
		return err
	}
	return b.Subscribe(ctx, AlertKey("emergency_halt.cleared"), 1, func(_ context.Context, _ Message) error {
		g.halted.Store(false)
		return nil
	})
}

// Allowed reports whether a new commands.execute_trade may be published or
// executed right now, and a reason string when it may not.
func (g *ReadinessGate) Allowed() (bool, string) {
	if !g.ready.Load() {
		return false, "system not ready"
	}
	if g.halted.Load() {
		return false, "emergency halt in effect"
	}
	return true, ""
}

// MarkReady and MarkHalted let a single-process caller (e.g. the Core Engine
// itself, which originates both events) update the gate directly without a
// bus round-trip.
func (g *ReadinessGate) MarkReady()  { g.ready.Store(true) }
func (g *ReadinessGate) MarkHalted(v bool) { g.halted.Store(v) }
