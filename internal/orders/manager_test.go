package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/market"
	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/notify"
	"github.com/eddiefleurent/bullwise/internal/storage"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

const spyCall = "SPY240315C00450000"

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	args := m.Called(ctx, req)
	ack, _ := args.Get(0).(*broker.OrderAck)
	return ack, args.Error(1)
}

func (m *mockBroker) CancelOrder(ctx context.Context, brokerID string) (*broker.OrderAck, error) {
	args := m.Called(ctx, brokerID)
	ack, _ := args.Get(0).(*broker.OrderAck)
	return ack, args.Error(1)
}

type quoteMap map[string]market.Quote

func (q quoteMap) Quote(symbol string) (market.Quote, bool) {
	v, ok := q[symbol]
	return v, ok
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(message string, _ notify.Color) {
	r.messages = append(r.messages, message)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func spyQuote(bid, ask string) quoteMap {
	return quoteMap{"SPY": {
		Symbol:   "SPY",
		PriceNow: dec("450"),
		Calls: []market.OptionQuote{
			{Symbol: spyCall, Strike: dec("450"), Bid: dec(bid), Ask: dec(ask)},
		},
		Puts: []market.OptionQuote{
			{Symbol: "SPY240315P00445000", Strike: dec("445"), Bid: dec("1.00"), Ask: dec("1.10")},
		},
	}}
}

type fixture struct {
	mgr      *Manager
	store    *storage.MemoryStore
	broker   *mockBroker
	notifier *recordingNotifier
}

func newFixture(quotes QuoteLookup) *fixture {
	f := &fixture{
		store:    storage.NewMemoryStore(tags.NewSequence("t")),
		broker:   &mockBroker{},
		notifier: &recordingNotifier{},
	}
	f.mgr = NewManager(f.broker, f.store, quotes, f.notifier, nil)
	return f
}

func (f *fixture) order(t *testing.T, tag string) models.Order {
	t.Helper()
	got, err := f.store.GetOrders(context.Background(), storage.Where(storage.Eq("tag", tag)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func (f *fixture) openPosition(t *testing.T, qty int, avg string) int64 {
	t.Helper()
	id, err := f.store.InsertPosition(context.Background(), models.Position{
		ContractSymbol: spyCall,
		State:          models.PositionOpen,
		Quantity:       qty,
		PriceAvg:       dec(avg),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) stop(t *testing.T, positionID int64, qty int, brokerID string) string {
	t.Helper()
	o := models.Order{
		ContractSymbol: spyCall,
		PositionID:     &positionID,
		State:          models.OrderOpen,
		Quantity:       qty,
		Price:          dec("1.70"),
		Type:           models.OrderTypeStop,
		Side:           models.SideSellToClose,
	}
	if brokerID != "" {
		o.BrokerID = &brokerID
	}
	tag, err := f.store.InsertOrder(context.Background(), o)
	require.NoError(t, err)
	return tag
}

func TestCreateBuyOrder_AtAsk(t *testing.T) {
	f := newFixture(spyQuote("1.90", "2.00"))
	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.Underlying == "SPY" && r.OptionSymbol == spyCall && r.Quantity == 2 &&
			r.Side == models.SideBuyToOpen && r.Type == models.OrderTypeMarket && r.Tag == "t-1"
	})).Return(&broker.OrderAck{ID: "1001", Status: "ok"}, nil).Once()

	receipt, err := f.mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "call", Strike: dec("450"), BuySellPoint: PriceModeBidAsk,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Quantity, "floor(500 / 200)")
	assert.True(t, receipt.Price.Equal(dec("2.00")))

	o := f.order(t, receipt.Tag)
	assert.Equal(t, models.OrderSent, o.State)
	require.NotNil(t, o.BrokerID)
	assert.Equal(t, "1001", *o.BrokerID)
	assert.True(t, o.Price.IsZero(), "market orders store price 0")
	assert.Equal(t, []string{notify.MessageOrderCreated}, f.notifier.messages)
	f.broker.AssertExpectations(t)
}

func TestCreateBuyOrder_MidPrice(t *testing.T) {
	f := newFixture(spyQuote("1.50", "1.70"))
	f.broker.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderAck{ID: "1"}, nil).Once()

	receipt, err := f.mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "CALL", Strike: dec("450"),
	})
	require.NoError(t, err)
	assert.True(t, receipt.Price.Equal(dec("1.60")))
	assert.Equal(t, 3, receipt.Quantity)
}

func TestCreateBuyOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		quotes quoteMap
		req    BuyRequest
		want   error
	}{
		{
			name:   "no cached quote",
			quotes: spyQuote("1.90", "2.00"),
			req:    BuyRequest{Symbol: "QQQ", OptionType: "call", Strike: dec("450")},
			want:   ErrNotFound,
		},
		{
			name:   "bad option type",
			quotes: spyQuote("1.90", "2.00"),
			req:    BuyRequest{Symbol: "SPY", OptionType: "straddle", Strike: dec("450")},
			want:   ErrInvalidInput,
		},
		{
			name:   "no contract at strike",
			quotes: spyQuote("1.90", "2.00"),
			req:    BuyRequest{Symbol: "SPY", OptionType: "put", Strike: dec("450")},
			want:   ErrNotFound,
		},
		{
			name:   "one contract over the cap",
			quotes: spyQuote("5.90", "6.00"),
			req:    BuyRequest{Symbol: "SPY", OptionType: "call", Strike: dec("450"), BuySellPoint: PriceModeBidAsk},
			want:   ErrInvalidInput,
		},
		{
			name:   "no price",
			quotes: spyQuote("0", "0"),
			req:    BuyRequest{Symbol: "SPY", OptionType: "call", Strike: dec("450")},
			want:   ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.quotes)
			_, err := f.mgr.CreateBuyOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)

			rows, _ := f.store.GetOrders(context.Background(), nil)
			assert.Empty(t, rows, "nothing written on validation failure")
			f.broker.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateBuyOrder_BrokerFailureLeavesRow(t *testing.T) {
	f := newFixture(spyQuote("1.90", "2.00"))
	brokerErr := errors.New("503 service unavailable")
	f.broker.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil, brokerErr).Once()

	_, err := f.mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "call", Strike: dec("450"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, brokerErr)

	o := f.order(t, "t-1")
	assert.Equal(t, models.OrderAccepted, o.State)
	assert.Nil(t, o.BrokerID)
}

func TestCreateBuyOrder_EventBeatsAck(t *testing.T) {
	f := newFixture(spyQuote("1.90", "2.00"))
	f.broker.On("SubmitOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			// the stream reports the order before the HTTP response returns
			req := args.Get(1).(broker.OrderRequest)
			pending := models.OrderPending
			require.NoError(t, f.store.UpdateOrder(context.Background(), storage.ByTag(req.Tag), models.OrderUpdate{State: &pending}))
		}).
		Return(&broker.OrderAck{ID: "7"}, nil).Once()

	receipt, err := f.mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "call", Strike: dec("450"),
	})
	require.NoError(t, err)
	o := f.order(t, receipt.Tag)
	assert.Equal(t, models.OrderPending, o.State, "ack must not move the order backwards")
	assert.Equal(t, "7", *o.BrokerID)
}

// fillingStore applies a fill to an order just before its broker id is attached.
type fillingStore struct {
	storage.Interface
}

func (s fillingStore) UpdateOrder(ctx context.Context, ref storage.OrderRef, u models.OrderUpdate) error {
	if u.BrokerID != nil {
		filled := models.OrderFilled
		if err := s.Interface.UpdateOrder(ctx, ref, models.OrderUpdate{State: &filled}); err != nil {
			return err
		}
	}
	return s.Interface.UpdateOrder(ctx, ref, u)
}

func TestCreateBuyOrder_FillDuringAttachIsKept(t *testing.T) {
	store := storage.NewMemoryStore(tags.NewSequence("t"))
	b := &mockBroker{}
	b.On("SubmitOrder", mock.Anything, mock.Anything).Return(&broker.OrderAck{ID: "9"}, nil).Once()
	mgr := NewManager(b, fillingStore{store}, spyQuote("1.90", "2.00"), nil, nil)

	receipt, err := mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "call", Strike: dec("450"),
	})
	require.NoError(t, err)

	got, err := store.GetOrders(context.Background(), storage.Where(storage.Eq("tag", receipt.Tag)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.OrderFilled, got[0].State, "a filled order must not return to sent")
	require.NotNil(t, got[0].BrokerID)
	assert.Equal(t, "9", *got[0].BrokerID)
}

func TestCreateSellOrder_CancelsStopThenSells(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 3, "2.00")
	stopTag := f.stop(t, posID, 3, "s-1")

	f.broker.On("CancelOrder", mock.Anything, "s-1").Return(&broker.OrderAck{ID: "s-1"}, nil).Once()
	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.Side == models.SideSellToClose && r.Type == models.OrderTypeMarket &&
			r.Quantity == 3 && r.Underlying == "SPY"
	})).Return(&broker.OrderAck{ID: "2002"}, nil).Once()

	receipt, err := f.mgr.CreateSellOrder(context.Background(), SellRequest{PositionID: posID})
	require.NoError(t, err)

	assert.Equal(t, models.OrderCancelled, f.order(t, stopTag).State)
	sell := f.order(t, receipt.Tag)
	assert.Equal(t, models.OrderSent, sell.State)
	assert.Equal(t, 3, sell.Quantity)
	assert.Equal(t, []string{notify.MessageOrderCreated}, f.notifier.messages)
	f.broker.AssertExpectations(t)
}

func TestCreateSellOrder_CancelFailureDoesNotBlockSell(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 1, "2.00")
	stopTag := f.stop(t, posID, 1, "s-1")

	f.broker.On("CancelOrder", mock.Anything, "s-1").Return(nil, errors.New("timeout")).Once()
	f.broker.On("SubmitOrder", mock.Anything, mock.Anything).Return(&broker.OrderAck{ID: "9"}, nil).Once()

	_, err := f.mgr.CreateSellOrder(context.Background(), SellRequest{PositionID: posID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, f.order(t, stopTag).State, "unconfirmed cancel leaves the stop alone")
}

func TestCreateSellOrder_Validation(t *testing.T) {
	f := newFixture(nil)

	_, err := f.mgr.CreateSellOrder(context.Background(), SellRequest{PositionID: 42})
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := f.store.InsertPosition(context.Background(), models.Position{
		ContractSymbol: spyCall, State: models.PositionClosed, PriceAvg: dec("1"),
	})
	require.NoError(t, err)
	_, err = f.mgr.CreateSellOrder(context.Background(), SellRequest{PositionID: id})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStopSweep_CreatesStopOnNakedPosition(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 2, "2.00")

	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.Type == models.OrderTypeStop && r.Stop.Equal(dec("1.70")) && r.Quantity == 2
	})).Return(&broker.OrderAck{ID: "3003"}, nil).Once()

	require.NoError(t, f.mgr.CreateStopLossesOnNakedPositions(context.Background()))

	stops, err := f.store.GetOrders(context.Background(), storage.Where(storage.Eq("type", models.OrderTypeStop)))
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, models.OrderSent, stops[0].State)
	assert.Equal(t, posID, *stops[0].PositionID)
	assert.True(t, stops[0].Price.Equal(dec("1.70")))
	f.broker.AssertExpectations(t)
}

func TestStopSweep_MatchingStopIsNoop(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 2, "2.00")
	f.stop(t, posID, 2, "s-1")

	require.NoError(t, f.mgr.CreateStopLossesOnNakedPositions(context.Background()))
	f.broker.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	f.broker.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestStopSweep_ReplacesMismatchedStop(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 4, "2.00")
	oldTag := f.stop(t, posID, 2, "s-1")

	f.broker.On("CancelOrder", mock.Anything, "s-1").Return(&broker.OrderAck{ID: "s-1"}, nil).Once()
	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.Type == models.OrderTypeStop && r.Quantity == 4
	})).Return(&broker.OrderAck{ID: "s-2"}, nil).Once()

	require.NoError(t, f.mgr.CreateStopLossesOnNakedPositions(context.Background()))

	assert.Equal(t, models.OrderCancelled, f.order(t, oldTag).State)
	live, err := f.store.GetOrders(context.Background(), storage.Where(
		storage.Eq("type", models.OrderTypeStop),
		storage.In("state", liveStates...),
	))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, 4, live[0].Quantity)
	f.broker.AssertExpectations(t)
}

func TestStopSweep_MismatchedStopCancelFailureKeepsOldStop(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 4, "2.00")
	f.stop(t, posID, 2, "s-1")

	f.broker.On("CancelOrder", mock.Anything, "s-1").Return(nil, errors.New("down")).Once()

	err := f.mgr.CreateStopLossesOnNakedPositions(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
	f.broker.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestStopSweep_SkipsPositionBeingClosed(t *testing.T) {
	f := newFixture(nil)
	posID := f.openPosition(t, 2, "2.00")
	_, err := f.store.InsertOrder(context.Background(), models.Order{
		ContractSymbol: spyCall,
		PositionID:     &posID,
		State:          models.OrderPending,
		Quantity:       2,
		Type:           models.OrderTypeMarket,
		Side:           models.SideSellToClose,
	})
	require.NoError(t, err)

	require.NoError(t, f.mgr.CreateStopLossesOnNakedPositions(context.Background()))
	f.broker.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestStopSweep_OneFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(nil)
	f.openPosition(t, 1, "2.00")
	_, err := f.store.InsertPosition(context.Background(), models.Position{
		ContractSymbol: "QQQ240315C00400000",
		State:          models.PositionOpen,
		Quantity:       1,
		PriceAvg:       dec("0.20"),
	})
	require.NoError(t, err)

	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.OptionSymbol == spyCall
	})).Return(nil, errors.New("rejected")).Once()
	f.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r broker.OrderRequest) bool {
		return r.OptionSymbol == "QQQ240315C00400000" && r.Stop.Equal(dec("0.01"))
	})).Return(&broker.OrderAck{ID: "q-1"}, nil).Once()

	err = f.mgr.CreateStopLossesOnNakedPositions(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
	f.broker.AssertExpectations(t)
}

func TestNewManager_PanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, storage.NewMemoryStore(tags.NewSequence("t")), nil, nil, nil) })
	assert.Panics(t, func() { NewManager(&mockBroker{}, nil, nil, nil, nil) })
}

func TestCreateBuyOrder_InsertFailureSkipsBroker(t *testing.T) {
	store := storage.NewMockStorage(tags.NewSequence("t"))
	store.InsertOrderError = errors.New("connection reset")
	b := &mockBroker{}
	notifier := &recordingNotifier{}
	mgr := NewManager(b, store, spyQuote("1.90", "2.00"), notifier, nil)

	_, err := mgr.CreateBuyOrder(context.Background(), BuyRequest{
		Symbol: "SPY", OptionType: "call", Strike: dec("450"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.InsertOrderError)
	assert.Equal(t, 1, store.CallCount("InsertOrder"))
	assert.Empty(t, notifier.messages)
	b.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestStopSweep_LedgerReadFailure(t *testing.T) {
	store := storage.NewMockStorage(tags.NewSequence("t"))
	store.GetPositionsError = errors.New("pool closed")
	b := &mockBroker{}
	mgr := NewManager(b, store, nil, nil, nil)

	err := mgr.CreateStopLossesOnNakedPositions(context.Background())
	assert.ErrorIs(t, err, store.GetPositionsError)
	assert.Zero(t, store.CallCount("InsertOrder"))
	b.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}
