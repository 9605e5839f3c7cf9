// Package faults implements the closed error-kind taxonomy every component maps
// its failures into. Transient kinds are retried locally with bounded
// backoff; permanent kinds short-circuit to a terminal bus event.
package faults

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's closed set of error classes.
type Kind string

const (
	ConfigInvalid      Kind = "config_invalid"
	BusUnavailable     Kind = "bus_unavailable"
	DBUnavailable      Kind = "db_unavailable"
	SecretMissing      Kind = "secret_missing"
	ExchangeTransient  Kind = "exchange_transient"
	ExchangePermanent  Kind = "exchange_permanent"
	ValidationFailed   Kind = "validation_failed"
	ReconcileDrift     Kind = "reconcile_drift"
	Timeout            Kind = "timeout"
	InternalBug        Kind = "internal_bug"
	RateLimited        Kind = "rate_limited"
)

// Fault is the value every core failure is carried as instead of an out-of-band
// throw.
type Fault struct {
	Kind   Kind
	Reason string
	Cause  error
}

func New(kind Kind, reason string) *Fault {
	return &Fault{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Fault {
	return &Fault{Kind: kind, Reason: reason, Cause: cause}
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// Retryable reports whether the kind should be retried locally with bounded
// backoff rather than surfacing immediately as a terminal event.
func (k Kind) Retryable() bool {
	switch k {
	case ExchangeTransient, BusUnavailable, DBUnavailable, Timeout:
		return true
	default:
		return false
	}
}

// Terminal reports whether the kind short-circuits directly to a terminal bus
// event (events.trade_failed / events.capital.denied) with no local retry.
func (k Kind) Terminal() bool {
	switch k {
	case ExchangePermanent, ValidationFailed, RateLimited:
		return true
	default:
		return false
	}
}
