package storage

import (
	"context"
	"sync"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

// MockStorage wraps a MemoryStore with error injection and call counting for tests.
type MockStorage struct {
	*MemoryStore

	GetOrdersError      error
	InsertOrderError    error
	UpdateOrderError    error
	GetPositionsError   error
	InsertPositionError error
	UpdatePositionError error

	calls map[string]int
	mu    sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage(issuer tags.Issuer) *MockStorage {
	return &MockStorage{
		MemoryStore: NewMemoryStore(issuer),
		calls:       make(map[string]int),
	}
}

// CallCount returns how many times the named method was invoked.
func (m *MockStorage) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockStorage) record(method string, injected error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	return injected
}

func (m *MockStorage) GetOrders(ctx context.Context, f Filter) ([]models.Order, error) {
	if err := m.record("GetOrders", m.GetOrdersError); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetOrders(ctx, f)
}

func (m *MockStorage) InsertOrder(ctx context.Context, o models.Order) (string, error) {
	if err := m.record("InsertOrder", m.InsertOrderError); err != nil {
		return "", err
	}
	return m.MemoryStore.InsertOrder(ctx, o)
}

func (m *MockStorage) UpdateOrder(ctx context.Context, ref OrderRef, u models.OrderUpdate) error {
	if err := m.record("UpdateOrder", m.UpdateOrderError); err != nil {
		return err
	}
	return m.MemoryStore.UpdateOrder(ctx, ref, u)
}

func (m *MockStorage) GetPositions(ctx context.Context, f Filter) ([]models.Position, error) {
	if err := m.record("GetPositions", m.GetPositionsError); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetPositions(ctx, f)
}

func (m *MockStorage) InsertPosition(ctx context.Context, p models.Position) (int64, error) {
	if err := m.record("InsertPosition", m.InsertPositionError); err != nil {
		return 0, err
	}
	return m.MemoryStore.InsertPosition(ctx, p)
}

func (m *MockStorage) UpdatePosition(ctx context.Context, id int64, u models.PositionUpdate) error {
	if err := m.record("UpdatePosition", m.UpdatePositionError); err != nil {
		return err
	}
	return m.MemoryStore.UpdatePosition(ctx, id, u)
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
