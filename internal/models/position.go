package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100

// priceAvgPlaces is the precision kept for weighted average entry prices.
const priceAvgPlaces = 4

// ErrTerminalOrder is returned when a terminal order is asked to change state.
var ErrTerminalOrder = errors.New("order is in a terminal state")

// PositionState represents whether a position is still held
type PositionState string

const (
	PositionOpen   PositionState = "open"
	PositionClosed PositionState = "closed"
)

// OrderSide is the broker side of an option order.
type OrderSide string

const (
	SideBuyToOpen   OrderSide = "buy_to_open"
	SideSellToClose OrderSide = "sell_to_close"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// Order is a ledger row describing one order sent (or about to be sent) to the broker.
type Order struct {
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PositionID     *int64          `json:"position_id"`
	BrokerID       *string         `json:"broker_id"`
	Tag            string          `json:"tag"`
	ContractSymbol string          `json:"contract_symbol"`
	State          OrderState      `json:"state"`
	Type           OrderType       `json:"type"`
	Side           OrderSide       `json:"side"`
	Price          decimal.Decimal `json:"price"`
	ID             int64           `json:"id"`
	Quantity       int             `json:"quantity"`
}

// Position is a ledger row for a held option contract.
type Position struct {
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	BrokerID       *string         `json:"broker_id,omitempty"`
	ContractSymbol string          `json:"contract_symbol"`
	State          PositionState   `json:"state"`
	PriceAvg       decimal.Decimal `json:"price_avg"`
	ID             int64           `json:"id"`
	Quantity       int             `json:"quantity"`
}

// OrderUpdate holds the fields to change on an order; nil fields are left alone.
// When StateFrom is set, State is only applied to an order currently in
// StateFrom. The other fields are applied either way.
type OrderUpdate struct {
	State      *OrderState
	StateFrom  *OrderState
	PositionID *int64
	BrokerID   *string
	Price      *decimal.Decimal
	Quantity   *int
}

// IsEmpty reports whether the update changes nothing.
func (u OrderUpdate) IsEmpty() bool {
	return u.State == nil && u.PositionID == nil && u.BrokerID == nil && u.Price == nil && u.Quantity == nil
}

// PositionUpdate holds the fields to change on a position; nil fields are left alone.
type PositionUpdate struct {
	State    *PositionState
	Quantity *int
	PriceAvg *decimal.Decimal
}

// IsEmpty reports whether the update changes nothing.
func (u PositionUpdate) IsEmpty() bool {
	return u.State == nil && u.Quantity == nil && u.PriceAvg == nil
}

// WeightedAverage blends an existing average entry with a new fill.
// Result is (avg*qty + fillPrice*fillQty) / (qty + fillQty) rounded to 4 places.
func WeightedAverage(avg decimal.Decimal, qty int, fillPrice decimal.Decimal, fillQty int) decimal.Decimal {
	total := qty + fillQty
	if total <= 0 {
		return fillPrice
	}
	held := avg.Mul(decimal.NewFromInt(int64(qty)))
	added := fillPrice.Mul(decimal.NewFromInt(int64(fillQty)))
	return held.Add(added).Div(decimal.NewFromInt(int64(total))).Round(priceAvgPlaces)
}

// AddFill returns the update for buying fillQty more contracts at fillPrice.
func (p *Position) AddFill(fillQty int, fillPrice decimal.Decimal) PositionUpdate {
	avg := WeightedAverage(p.PriceAvg, p.Quantity, fillPrice, fillQty)
	qty := p.Quantity + fillQty
	return PositionUpdate{Quantity: &qty, PriceAvg: &avg}
}

// ReduceFill returns the update for selling fillQty contracts. A position
// that reaches zero or below is closed with quantity 0.
func (p *Position) ReduceFill(fillQty int) PositionUpdate {
	qty := p.Quantity - fillQty
	if qty > 0 {
		return PositionUpdate{Quantity: &qty}
	}
	zero := 0
	closed := PositionClosed
	return PositionUpdate{Quantity: &zero, State: &closed}
}

// Apply copies the non-nil fields of u onto the position.
func (p *Position) Apply(u PositionUpdate) {
	if u.State != nil {
		p.State = *u.State
	}
	if u.Quantity != nil {
		p.Quantity = *u.Quantity
	}
	if u.PriceAvg != nil {
		p.PriceAvg = *u.PriceAvg
	}
}

// Apply copies the non-nil fields of u onto the order.
func (o *Order) Apply(u OrderUpdate) {
	if u.State != nil && (u.StateFrom == nil || o.State == *u.StateFrom) {
		o.State = *u.State
	}
	if u.PositionID != nil {
		id := *u.PositionID
		o.PositionID = &id
	}
	if u.BrokerID != nil {
		id := *u.BrokerID
		o.BrokerID = &id
	}
	if u.Price != nil {
		o.Price = *u.Price
	}
	if u.Quantity != nil {
		o.Quantity = *u.Quantity
	}
}
