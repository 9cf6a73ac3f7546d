package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

// MemoryStore is an in-process ledger. It returns copies so callers cannot
// mutate stored rows, and is used for tests and the memory storage driver.
type MemoryStore struct {
	tags      tags.Issuer
	now       func() time.Time
	orders    map[int64]*models.Order
	byTag     map[string]int64
	positions map[int64]*models.Position
	mu        sync.RWMutex
	nextOrder int64
	nextPos   int64
}

// NewMemoryStore creates an empty ledger. A nil issuer defaults to UUID tags.
func NewMemoryStore(issuer tags.Issuer) *MemoryStore {
	if issuer == nil {
		issuer = tags.UUIDIssuer{}
	}
	return &MemoryStore{
		tags:      issuer,
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[int64]*models.Order),
		byTag:     make(map[string]int64),
		positions: make(map[int64]*models.Position),
	}
}

// GetOrders returns copies of matching orders ordered by id.
func (m *MemoryStore) GetOrders(_ context.Context, f Filter) ([]models.Order, error) {
	if err := f.validate(orderFields); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Order
	for _, o := range m.orders {
		if f.matches(orderGetter(o)) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertOrder stores a copy of o under a new id and tag.
func (m *MemoryStore) InsertOrder(_ context.Context, o models.Order) (string, error) {
	if err := validateOrder(o); err != nil {
		return "", err
	}
	tag := m.tags.Next()
	if !tags.Valid(tag) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOrder++
	row := copyOrder(&o)
	row.ID = m.nextOrder
	row.Tag = tag
	row.CreatedAt = m.now()
	row.UpdatedAt = row.CreatedAt
	m.orders[row.ID] = &row
	m.byTag[row.Tag] = row.ID
	return row.Tag, nil
}

// UpdateOrder applies u to the referenced order.
func (m *MemoryStore) UpdateOrder(_ context.Context, ref OrderRef, u models.OrderUpdate) error {
	if !ref.valid() {
		return ErrMissingRef
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ref.ID
	if id == 0 {
		id = m.byTag[ref.Tag]
	}
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", ref, ErrNotFound)
	}
	if u.IsEmpty() {
		return nil
	}
	o.Apply(u)
	o.UpdatedAt = m.now()
	return nil
}

// GetPositions returns copies of matching positions ordered by id.
func (m *MemoryStore) GetPositions(_ context.Context, f Filter) ([]models.Position, error) {
	if err := f.validate(positionFields); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Position
	for _, p := range m.positions {
		if f.matches(positionGetter(p)) {
			out = append(out, copyPosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertPosition stores a copy of p under a new id.
func (m *MemoryStore) InsertPosition(_ context.Context, p models.Position) (int64, error) {
	if err := validatePosition(p); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.State == models.PositionOpen {
		for _, existing := range m.positions {
			if existing.State == models.PositionOpen && existing.ContractSymbol == p.ContractSymbol {
				return 0, fmt.Errorf("%s: %w", p.ContractSymbol, ErrOpenPositionExists)
			}
		}
	}

	m.nextPos++
	row := copyPosition(&p)
	row.ID = m.nextPos
	row.CreatedAt = m.now()
	row.UpdatedAt = row.CreatedAt
	m.positions[row.ID] = &row
	return row.ID, nil
}

// UpdatePosition applies u to the position with the given id.
func (m *MemoryStore) UpdatePosition(_ context.Context, id int64, u models.PositionUpdate) error {
	if id == 0 {
		return ErrMissingRef
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	if u.IsEmpty() {
		return nil
	}
	p.Apply(u)
	p.UpdatedAt = m.now()
	return nil
}

func orderGetter(o *models.Order) func(string) (any, bool) {
	return func(field string) (any, bool) {
		switch field {
		case "id":
			return o.ID, false
		case "tag":
			return o.Tag, false
		case "contract_symbol":
			return o.ContractSymbol, false
		case "position_id":
			if o.PositionID == nil {
				return nil, true
			}
			return *o.PositionID, false
		case "state":
			return o.State, false
		case "quantity":
			return o.Quantity, false
		case "type":
			return o.Type, false
		case "side":
			return o.Side, false
		case "broker_id":
			if o.BrokerID == nil {
				return nil, true
			}
			return *o.BrokerID, false
		}
		return nil, true
	}
}

func positionGetter(p *models.Position) func(string) (any, bool) {
	return func(field string) (any, bool) {
		switch field {
		case "id":
			return p.ID, false
		case "contract_symbol":
			return p.ContractSymbol, false
		case "state":
			return p.State, false
		case "quantity":
			return p.Quantity, false
		case "broker_id":
			if p.BrokerID == nil {
				return nil, true
			}
			return *p.BrokerID, false
		}
		return nil, true
	}
}

func copyOrder(o *models.Order) models.Order {
	c := *o
	if o.PositionID != nil {
		id := *o.PositionID
		c.PositionID = &id
	}
	if o.BrokerID != nil {
		id := *o.BrokerID
		c.BrokerID = &id
	}
	return c
}

func copyPosition(p *models.Position) models.Position {
	c := *p
	if p.BrokerID != nil {
		id := *p.BrokerID
		c.BrokerID = &id
	}
	return c
}

// Ensure MemoryStore implements Interface
var _ Interface = (*MemoryStore)(nil)
