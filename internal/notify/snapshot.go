package notify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/storage"
)

// PositionView is an open position as the UI shows it.
type PositionView struct {
	models.Position
	Symbol     string            `json:"symbol"`
	OptionType models.OptionType `json:"option_type"`
	Strike     decimal.Decimal   `json:"strike"`
	Orders     []OrderView       `json:"orders"`
}

// OrderView is a working order as the UI shows it.
type OrderView struct {
	models.Order
	Symbol     string            `json:"symbol"`
	OptionType models.OptionType `json:"option_type"`
	Strike     decimal.Decimal   `json:"strike"`
}

// Snapshotter reads ledger state for broadcasts and API responses.
type Snapshotter struct {
	store storage.Interface
}

func NewSnapshotter(store storage.Interface) *Snapshotter {
	return &Snapshotter{store: store}
}

// OpenPositions returns open positions without their orders.
func (s *Snapshotter) OpenPositions(ctx context.Context) ([]PositionView, error) {
	positions, err := s.store.GetPositions(ctx, storage.Where(storage.Eq("state", models.PositionOpen)))
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView(p))
	}
	return views, nil
}

// PositionsWithOrders returns open positions joined with their working
// child orders.
func (s *Snapshotter) PositionsWithOrders(ctx context.Context) ([]PositionView, error) {
	views, err := s.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range views {
		orders, err := s.store.GetOrders(ctx, storage.Where(
			storage.Eq("position_id", views[i].ID),
			storage.In("state", models.WorkingOrderStates...),
		))
		if err != nil {
			return nil, fmt.Errorf("get orders for position %d: %w", views[i].ID, err)
		}
		for _, o := range orders {
			views[i].Orders = append(views[i].Orders, orderView(o))
		}
	}
	return views, nil
}

// StrayOrders returns working orders not linked to any position.
func (s *Snapshotter) StrayOrders(ctx context.Context) ([]OrderView, error) {
	orders, err := s.store.GetOrders(ctx, storage.Where(
		storage.In("state", models.WorkingOrderStates...),
		storage.IsNull("position_id"),
	))
	if err != nil {
		return nil, fmt.Errorf("get stray orders: %w", err)
	}
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	return views, nil
}

func positionView(p models.Position) PositionView {
	v := PositionView{Position: p, Symbol: p.ContractSymbol, Orders: []OrderView{}}
	if sym, err := models.ParseOptionSymbol(p.ContractSymbol); err == nil {
		v.Symbol, v.OptionType, v.Strike = sym.Underlying, sym.OptionType, sym.Strike
	}
	return v
}

func orderView(o models.Order) OrderView {
	v := OrderView{Order: o, Symbol: o.ContractSymbol}
	if sym, err := models.ParseOptionSymbol(o.ContractSymbol); err == nil {
		v.Symbol, v.OptionType, v.Strike = sym.Underlying, sym.OptionType, sym.Strike
	}
	return v
}
