package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

func newOrder(symbol string, state models.OrderState) models.Order {
	return models.Order{
		ContractSymbol: symbol,
		State:          state,
		Quantity:       1,
		Type:           models.OrderTypeMarket,
		Side:           models.SideBuyToOpen,
	}
}

func TestMemoryStore_InsertOrderIssuesTag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(tags.NewSequence("t"))

	tag, err := s.InsertOrder(ctx, newOrder("SPY240315C00450000", models.OrderAccepted))
	require.NoError(t, err)
	assert.Equal(t, "t-1", tag)

	got, err := s.GetOrders(ctx, Where(Eq("tag", tag)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, models.OrderAccepted, got[0].State)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestMemoryStore_InsertOrderMissingFields(t *testing.T) {
	s := NewMemoryStore(nil)
	o := newOrder("", models.OrderAccepted)
	_, err := s.InsertOrder(context.Background(), o)
	assert.ErrorIs(t, err, ErrMissingField)

	o = newOrder("SPY240315C00450000", models.OrderAccepted)
	o.Quantity = 0
	_, err = s.InsertOrder(context.Background(), o)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestMemoryStore_Filters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	posID, err := s.InsertPosition(ctx, models.Position{
		ContractSymbol: "SPY240315C00450000", State: models.PositionOpen, Quantity: 2, PriceAvg: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	linked := newOrder("SPY240315C00450000", models.OrderOpen)
	linked.PositionID = &posID
	linked.Type = models.OrderTypeStop
	_, err = s.InsertOrder(ctx, linked)
	require.NoError(t, err)
	_, err = s.InsertOrder(ctx, newOrder("QQQ240315P00380000", models.OrderPending))
	require.NoError(t, err)
	_, err = s.InsertOrder(ctx, newOrder("DIA240315C00390000", models.OrderFilled))
	require.NoError(t, err)

	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"no filter", nil, 3},
		{"equality typed", Where(Eq("state", models.OrderOpen)), 1},
		{"equality plain string", Where(Eq("state", "pending")), 1},
		{"in working states", Where(In("state", models.WorkingOrderStates...)), 2},
		{"empty in", Where(In[string]("state")), 0},
		{"null position", Where(IsNull("position_id")), 2},
		{"stray working orders", Where(In("state", models.WorkingOrderStates...), IsNull("position_id")), 1},
		{"by position and type", Where(Eq("position_id", posID), Eq("type", models.OrderTypeStop)), 1},
		{"position id as int", Where(Eq("position_id", int(posID))), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetOrders(ctx, tt.f)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestMemoryStore_UnknownField(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.GetOrders(context.Background(), Where(Eq("state; DROP TABLE orders", "x")))
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = s.GetPositions(context.Background(), Where(Eq("tag", "x")))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestMemoryStore_UpdateOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	tag, err := s.InsertOrder(ctx, newOrder("SPY240315C00450000", models.OrderAccepted))
	require.NoError(t, err)

	bid := "777"
	sent := models.OrderSent
	require.NoError(t, s.UpdateOrder(ctx, ByTag(tag), models.OrderUpdate{BrokerID: &bid, State: &sent}))

	got, err := s.GetOrders(ctx, Where(Eq("broker_id", "777")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.OrderSent, got[0].State)

	filled := models.OrderFilled
	require.NoError(t, s.UpdateOrder(ctx, ByID(got[0].ID), models.OrderUpdate{State: &filled}))

	assert.ErrorIs(t, s.UpdateOrder(ctx, OrderRef{}, models.OrderUpdate{State: &filled}), ErrMissingRef)
	assert.ErrorIs(t, s.UpdateOrder(ctx, ByTag("missing"), models.OrderUpdate{State: &filled}), ErrNotFound)
	assert.ErrorIs(t, s.UpdateOrder(ctx, ByID(99), models.OrderUpdate{State: &filled}), ErrNotFound)
}

func TestMemoryStore_UpdateOrderStateFrom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	tag, err := s.InsertOrder(ctx, newOrder("SPY240315C00450000", models.OrderFilled))
	require.NoError(t, err)

	bid := "888"
	accepted, sent := models.OrderAccepted, models.OrderSent
	require.NoError(t, s.UpdateOrder(ctx, ByTag(tag), models.OrderUpdate{BrokerID: &bid, State: &sent, StateFrom: &accepted}))

	got, err := s.GetOrders(ctx, Where(Eq("tag", tag)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.OrderFilled, got[0].State)
	require.NotNil(t, got[0].BrokerID)
	assert.Equal(t, "888", *got[0].BrokerID)
}

type fixedIssuer string

func (f fixedIssuer) Next() string { return string(f) }

func TestMemoryStore_RejectsUnusableTag(t *testing.T) {
	s := NewMemoryStore(fixedIssuer("has space"))
	_, err := s.InsertOrder(context.Background(), newOrder("SPY240315C00450000", models.OrderAccepted))
	assert.ErrorIs(t, err, ErrInvalidTag)

	got, err := s.GetOrders(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_, err := s.InsertOrder(ctx, newOrder("SPY240315C00450000", models.OrderAccepted))
	require.NoError(t, err)

	got, err := s.GetOrders(ctx, nil)
	require.NoError(t, err)
	got[0].State = models.OrderFilled

	again, err := s.GetOrders(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderAccepted, again[0].State)
}

func TestMemoryStore_Positions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := models.Position{ContractSymbol: "SPY240315C00450000", State: models.PositionOpen, Quantity: 1, PriceAvg: decimal.NewFromInt(10)}
	id, err := s.InsertPosition(ctx, p)
	require.NoError(t, err)

	_, err = s.InsertPosition(ctx, p)
	assert.ErrorIs(t, err, ErrOpenPositionExists)

	qty := 0
	closed := models.PositionClosed
	require.NoError(t, s.UpdatePosition(ctx, id, models.PositionUpdate{Quantity: &qty, State: &closed}))

	// a closed position no longer blocks a new open one
	_, err = s.InsertPosition(ctx, p)
	require.NoError(t, err)

	open, err := s.GetPositions(ctx, Where(Eq("state", models.PositionOpen)))
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := s.GetPositions(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.UpdatePosition(ctx, 42, models.PositionUpdate{Quantity: &qty}), ErrNotFound)
	assert.ErrorIs(t, s.UpdatePosition(ctx, 0, models.PositionUpdate{Quantity: &qty}), ErrMissingRef)
}

func TestMemoryStore_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.InsertOrder(ctx, newOrder("SPY240315C00450000", models.OrderAccepted)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	got, err := s.GetOrders(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, got, 20)
	seen := map[string]bool{}
	for _, o := range got {
		assert.False(t, seen[o.Tag])
		seen[o.Tag] = true
	}
}
