// Package bus implements the dotted-segment routing-key schema and the
// transport that carries it. The bus is the sole allowed inter-component
// channel — no component ever invokes another directly.
package bus

import (
	"fmt"
	"strings"
)

// Routing-key prefixes.
const (
	PrefixMarketData        = "market_data"
	PrefixRequestCapital     = "request.capital.allocation"
	PrefixCommandsExecute    = "commands.execute_trade"
	PrefixEventsExecuted     = "events.trade_executed"
	PrefixEventsFailed       = "events.trade_failed"
	PrefixEventsDenied       = "events.capital.denied"
	PrefixSystemLog          = "system.log"
	PrefixAlerts             = "alerts"
	PrefixSystemReady        = "system.ready"
	PrefixSystemClockTick    = "system.clock_tick"

	// PrefixRequestReconcileSnapshot / PrefixEventsReconcileSnapshot carry the
	// exchange-truth query the reconciliation protocol runs first, as a
	// synchronous request/reply pair over the bus, so the Core Engine never
	// talks to the connector process directly.
	PrefixRequestReconcileSnapshot = "request.reconcile.snapshot"
	PrefixEventsReconcileSnapshot  = "events.reconcile.snapshot"

	// PrefixRequestCandles / PrefixEventsCandles carry the Capital Manager's
	// recent-candles-for-ATR query as a synchronous request/reply pair, for
	// the same reason.
	PrefixRequestCandles = "request.capital.candles"
	PrefixEventsCandles  = "events.capital.candles"

	// PrefixRequestOrderStatus / PrefixEventsOrderStatus carry the State
	// Reconciliation Protocol's per-order exchange-truth lookup (spec §4.7
	// Case A): the bulk snapshot's open-orders list only ever contains
	// still-open orders, so a DB-open order missing from it needs its
	// terminal state fetched directly instead of being assumed stale.
	PrefixRequestOrderStatus = "request.reconcile.order_status"
	PrefixEventsOrderStatus  = "events.reconcile.order_status"

	// PrefixCommandsOperator / PrefixEventsOperator carry the operator
	// command surface of spec §4.2/§6 (start_strategy, stop_strategy,
	// emergency_halt, portfolio_status, strategy_list, reconcile_now) as a
	// synchronous request/reply pair, so external UIs (out of scope, §1) can
	// still drive the Core Engine over the bus like any other component.
	PrefixCommandsOperator = "commands.operator"
	PrefixEventsOperator   = "events.operator"
)

// DeliveryClass is the delivery contract a routing key belongs to.
type DeliveryClass int

const (
	// ClassCommand: durable, consumer-ack required, redelivery on unack allowed.
	ClassCommand DeliveryClass = iota
	// ClassEvent: durable, consumers idempotent keyed by exchange_order_id/proposal_id.
	ClassEvent
	// ClassMarketData: best-effort, loss of individual ticks acceptable, FIFO per symbol required.
	ClassMarketData
	// ClassObservability: system.log.* and alerts.*, best-effort.
	ClassObservability
)

// MarketDataKey builds market_data.<exchange>.<symbol>.
func MarketDataKey(exchange, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", PrefixMarketData, exchange, symbol)
}

// CapitalRequestKey builds request.capital.allocation.<strategy_id>.
func CapitalRequestKey(strategyID int64) string {
	return fmt.Sprintf("%s.%d", PrefixRequestCapital, strategyID)
}

// CapitalDeniedKey builds events.capital.denied.<strategy_id>.
func CapitalDeniedKey(strategyID int64) string {
	return fmt.Sprintf("%s.%d", PrefixEventsDenied, strategyID)
}

// AlertKey builds alerts.<topic>.
func AlertKey(topic string) string {
	return fmt.Sprintf("%s.%s", PrefixAlerts, topic)
}

// ClockTickKey builds system.clock_tick.<interval>, the routing key the Core
// Engine's scheduler publishes wall-clock ticks on for clock-driven
// strategies such as DCA.
func ClockTickKey(interval string) string {
	return fmt.Sprintf("%s.%s", PrefixSystemClockTick, interval)
}

// ReconcileSnapshotRequestKey builds request.reconcile.snapshot.<exchange>.
func ReconcileSnapshotRequestKey(exchange string) string {
	return fmt.Sprintf("%s.%s", PrefixRequestReconcileSnapshot, exchange)
}

// ReconcileSnapshotReplyKey builds events.reconcile.snapshot.<exchange>.
func ReconcileSnapshotReplyKey(exchange string) string {
	return fmt.Sprintf("%s.%s", PrefixEventsReconcileSnapshot, exchange)
}

// ReconcileSnapshotReplyPattern matches a reply for any exchange, for a
// Requester that serves every SnapshotTruth call in one process.
func ReconcileSnapshotReplyPattern() string {
	return PrefixEventsReconcileSnapshot + ".*"
}

// OrderStatusRequestKey builds request.reconcile.order_status.<exchange>.
func OrderStatusRequestKey(exchange string) string {
	return fmt.Sprintf("%s.%s", PrefixRequestOrderStatus, exchange)
}

// OrderStatusReplyKey builds events.reconcile.order_status.<exchange>.
func OrderStatusReplyKey(exchange string) string {
	return fmt.Sprintf("%s.%s", PrefixEventsOrderStatus, exchange)
}

// OrderStatusReplyPattern matches a reply for any exchange, for a Requester
// that serves every OrderStatus call in one process.
func OrderStatusReplyPattern() string {
	return PrefixEventsOrderStatus + ".*"
}

// CandlesRequestKey builds request.capital.candles.<exchange>.<symbol>.
func CandlesRequestKey(exchange, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", PrefixRequestCandles, exchange, symbol)
}

// CandlesReplyKey builds events.capital.candles.<exchange>.<symbol>.
func CandlesReplyKey(exchange, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", PrefixEventsCandles, exchange, symbol)
}

// CandlesReplyPattern matches a reply for any exchange/symbol, for a
// Requester that serves every RecentCandles call in one process.
func CandlesReplyPattern() string {
	return PrefixEventsCandles + ".*"
}

// OperatorCommandKey builds commands.operator.<name> for one of the six
// recognized operator commands (spec §6).
func OperatorCommandKey(name string) string {
	return fmt.Sprintf("%s.%s", PrefixCommandsOperator, name)
}

// OperatorCommandPattern matches every operator command, for the Core
// Engine's single Responder.
func OperatorCommandPattern() string {
	return PrefixCommandsOperator + ".*"
}

// OperatorReplyKey builds events.operator.<name>, the reply counterpart of
// OperatorCommandKey.
func OperatorReplyKey(name string) string {
	return fmt.Sprintf("%s.%s", PrefixEventsOperator, name)
}

// ClassOf classifies a routing key into its delivery contract. Every
// request.* key is command-class: each carries a query or proposal that
// wants a durable, acked delivery and, for the reconcile-snapshot and
// candle-query keys, a synchronous reply (see bus.Requester).
func ClassOf(routingKey string) DeliveryClass {
	switch {
	case strings.HasPrefix(routingKey, PrefixMarketData+"."):
		return ClassMarketData
	case routingKey == PrefixCommandsExecute, strings.HasPrefix(routingKey, "request."), strings.HasPrefix(routingKey, PrefixCommandsOperator+"."):
		return ClassCommand
	case strings.HasPrefix(routingKey, "events."):
		return ClassEvent
	default:
		return ClassObservability
	}
}

// Topic maps a routing key to its underlying transport topic. Command and event
// classes each get a dedicated topic (ordering/ack semantics differ); the routing
// key itself becomes the partition/message key so FIFO-per-symbol and
// FIFO-per-strategy ordering hold within a topic.
func Topic(routingKey string) string {
	switch {
	case strings.HasPrefix(routingKey, PrefixMarketData+"."):
		return "market_data"
	case routingKey == PrefixCommandsExecute:
		return "commands.execute_trade"
	case strings.HasPrefix(routingKey, PrefixRequestCapital+"."):
		return "request.capital.allocation"
	case strings.HasPrefix(routingKey, PrefixRequestReconcileSnapshot+"."):
		return "request.reconcile.snapshot"
	case strings.HasPrefix(routingKey, PrefixRequestCandles+"."):
		return "request.capital.candles"
	case strings.HasPrefix(routingKey, PrefixRequestOrderStatus+"."):
		return "request.reconcile.order_status"
	case strings.HasPrefix(routingKey, PrefixCommandsOperator+"."):
		return "commands.operator"
	case strings.HasPrefix(routingKey, "events."):
		return "events"
	default:
		return "observability"
	}
}
