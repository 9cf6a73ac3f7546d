// Package models provides the ledger records (orders and positions) and the
// order lifecycle rules shared by placement and fill reconciliation.
package models

import (
	"fmt"
	"strings"
)

// OrderState represents where an order is in its broker lifecycle
type OrderState string

const (
	// Local states
	OrderAccepted OrderState = "accepted" // Row written, not yet acknowledged by the broker
	OrderSent     OrderState = "sent"     // Broker acknowledged submission

	// Working states reported by the broker
	OrderPending         OrderState = "pending"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"

	// Terminal states
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
	OrderExpired   OrderState = "expired"
)

// WorkingOrderStates are the states of an order still live at the broker.
var WorkingOrderStates = []OrderState{OrderPending, OrderOpen, OrderPartiallyFilled}

// ParseOrderState normalizes a broker status string.
func ParseOrderState(status string) (OrderState, error) {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "canceled":
		return OrderCancelled, nil
	case "partial", "partially-filled":
		return OrderPartiallyFilled, nil
	}
	st := OrderState(s)
	switch st {
	case OrderAccepted, OrderSent, OrderPending, OrderOpen, OrderPartiallyFilled,
		OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", status)
}

// IsTerminal reports whether no further broker updates should change the order.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// IsWorking reports whether the order is pending, open or partially filled.
func (s OrderState) IsWorking() bool {
	for _, w := range WorkingOrderStates {
		if s == w {
			return true
		}
	}
	return false
}

// StateTransition defines valid state transitions
type StateTransition struct {
	From        OrderState
	To          OrderState
	Condition   string
	Description string
}

// ValidTransitions lists every order state change the ledger accepts.
// Working states may replace each other in any order since broker events are
// not guaranteed to arrive in sequence.
var ValidTransitions = []StateTransition{
	// Submission
	{OrderAccepted, OrderSent, "broker_ack", "Broker acknowledged the order"},

	// Broker status updates
	{OrderAccepted, OrderPending, "status_update", "Pending at broker"},
	{OrderAccepted, OrderOpen, "status_update", "Working at broker"},
	{OrderAccepted, OrderPartiallyFilled, "status_update", "Partially filled"},
	{OrderSent, OrderPending, "status_update", "Pending at broker"},
	{OrderSent, OrderOpen, "status_update", "Working at broker"},
	{OrderSent, OrderPartiallyFilled, "status_update", "Partially filled"},
	{OrderPending, OrderOpen, "status_update", "Working at broker"},
	{OrderPending, OrderPartiallyFilled, "status_update", "Partially filled"},
	{OrderOpen, OrderPending, "status_update", "Late pending event"},
	{OrderOpen, OrderPartiallyFilled, "status_update", "Partially filled"},
	{OrderPartiallyFilled, OrderPending, "status_update", "Late pending event"},
	{OrderPartiallyFilled, OrderOpen, "status_update", "Late open event"},

	// Fills
	{OrderAccepted, OrderFilled, "order_filled", "Filled before acknowledgement was recorded"},
	{OrderSent, OrderFilled, "order_filled", "Filled"},
	{OrderPending, OrderFilled, "order_filled", "Filled"},
	{OrderOpen, OrderFilled, "order_filled", "Filled"},
	{OrderPartiallyFilled, OrderFilled, "order_filled", "Filled"},

	// Failures
	{OrderAccepted, OrderRejected, "order_failed", "Rejected by broker"},
	{OrderSent, OrderRejected, "order_failed", "Rejected by broker"},
	{OrderPending, OrderRejected, "order_failed", "Rejected by broker"},
	{OrderOpen, OrderRejected, "order_failed", "Rejected by broker"},
	{OrderPartiallyFilled, OrderRejected, "order_failed", "Rejected with remainder unfilled"},
	{OrderAccepted, OrderCancelled, "order_cancelled", "Cancelled"},
	{OrderSent, OrderCancelled, "order_cancelled", "Cancelled"},
	{OrderPending, OrderCancelled, "order_cancelled", "Cancelled"},
	{OrderOpen, OrderCancelled, "order_cancelled", "Cancelled"},
	{OrderPartiallyFilled, OrderCancelled, "order_cancelled", "Cancelled with remainder unfilled"},
	{OrderAccepted, OrderExpired, "order_expired", "Expired"},
	{OrderSent, OrderExpired, "order_expired", "Expired"},
	{OrderPending, OrderExpired, "order_expired", "Expired"},
	{OrderOpen, OrderExpired, "order_expired", "Expired"},
	{OrderPartiallyFilled, OrderExpired, "order_expired", "Expired with remainder unfilled"},
}

// CanTransition reports whether an order in state from may move to state to.
// Repeating the current state is allowed for non-terminal orders.
func CanTransition(from, to OrderState) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error when CanTransition is false.
func ValidateTransition(from, to OrderState) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("order is %s: %w", from, ErrTerminalOrder)
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
