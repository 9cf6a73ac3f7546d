package storage

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/bullwise/internal/models"
)

// Interface defines the contract for the order and position ledger.
//
// Implementations must be safe for concurrent use. They do not provide
// transactions: a read followed by a write may interleave with another
// caller doing the same.
type Interface interface {
	// GetOrders returns orders matching every predicate in f, ordered by id.
	GetOrders(ctx context.Context, f Filter) ([]models.Order, error)
	// InsertOrder stores o with a freshly issued correlation tag and returns the tag.
	InsertOrder(ctx context.Context, o models.Order) (string, error)
	// UpdateOrder changes the order identified by ref.
	UpdateOrder(ctx context.Context, ref OrderRef, u models.OrderUpdate) error

	GetPositions(ctx context.Context, f Filter) ([]models.Position, error)
	InsertPosition(ctx context.Context, p models.Position) (int64, error)
	UpdatePosition(ctx context.Context, id int64, u models.PositionUpdate) error
}

// OrderRef identifies an order by id or by correlation tag. ID wins when both are set.
type OrderRef struct {
	Tag string
	ID  int64
}

// ByID references an order by its ledger id.
func ByID(id int64) OrderRef { return OrderRef{ID: id} }

// ByTag references an order by its correlation tag.
func ByTag(tag string) OrderRef { return OrderRef{Tag: tag} }

func (r OrderRef) valid() bool { return r.ID != 0 || r.Tag != "" }

func (r OrderRef) String() string {
	if r.ID != 0 {
		return fmt.Sprintf("id=%d", r.ID)
	}
	return "tag=" + r.Tag
}

func validateOrder(o models.Order) error {
	switch {
	case o.ContractSymbol == "":
		return fmt.Errorf("order contract_symbol: %w", ErrMissingField)
	case o.State == "":
		return fmt.Errorf("order state: %w", ErrMissingField)
	case o.Quantity <= 0:
		return fmt.Errorf("order quantity: %w", ErrMissingField)
	case o.Type == "":
		return fmt.Errorf("order type: %w", ErrMissingField)
	case o.Side == "":
		return fmt.Errorf("order side: %w", ErrMissingField)
	}
	return nil
}

func validatePosition(p models.Position) error {
	switch {
	case p.ContractSymbol == "":
		return fmt.Errorf("position contract_symbol: %w", ErrMissingField)
	case p.State == "":
		return fmt.Errorf("position state: %w", ErrMissingField)
	case p.Quantity < 0:
		return fmt.Errorf("position quantity: %w", ErrMissingField)
	}
	return nil
}
