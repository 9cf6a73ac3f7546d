// Package orders places buy, sell and protective stop orders against the
// broker and records them in the ledger.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/market"
	"github.com/eddiefleurent/bullwise/internal/metrics"
	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/notify"
	"github.com/eddiefleurent/bullwise/internal/storage"
	"github.com/eddiefleurent/bullwise/internal/util"
)

var (
	// ErrInvalidInput marks a request that can never succeed as given.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a request for a quote, contract or position that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUpstream marks a broker failure. The local order row is left as written.
	ErrUpstream = errors.New("broker request failed")
)

// PriceModeBidAsk prices buys at the ask; any other mode uses the mid.
const PriceModeBidAsk = "bid-ask"

// liveStates are the states of an order that may still execute.
var liveStates = []models.OrderState{
	models.OrderAccepted, models.OrderSent,
	models.OrderPending, models.OrderOpen, models.OrderPartiallyFilled,
}

// Broker is the part of the broker client the manager uses.
type Broker interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error)
	CancelOrder(ctx context.Context, brokerID string) (*broker.OrderAck, error)
}

// QuoteLookup finds cached quotes.
type QuoteLookup interface {
	Quote(symbol string) (market.Quote, bool)
}

// Config contains configuration for the order manager.
type Config struct {
	NotionalCap decimal.Decimal
	StopOffset  decimal.Decimal
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	NotionalCap: decimal.NewFromInt(500),
	StopOffset:  decimal.RequireFromString("0.30"),
	CallTimeout: 10 * time.Second,
}

// BuyRequest opens a position in one contract.
type BuyRequest struct {
	Symbol       string          `json:"symbol"`
	OptionType   string          `json:"option_type"`
	Strike       decimal.Decimal `json:"strike"`
	BuySellPoint string          `json:"buy_sell_point"`
}

// SellRequest closes a position in full.
type SellRequest struct {
	PositionID   int64  `json:"position_id"`
	BuySellPoint string `json:"buy_sell_point"`
}

// Receipt describes an order accepted by the broker.
type Receipt struct {
	Tag            string           `json:"tag"`
	BrokerID       string           `json:"broker_id"`
	ContractSymbol string           `json:"contract_symbol"`
	Side           models.OrderSide `json:"side"`
	Type           models.OrderType `json:"type"`
	Price          decimal.Decimal  `json:"price"`
	Quantity       int              `json:"quantity"`
}

// Manager handles order placement.
type Manager struct {
	broker   Broker
	storage  storage.Interface
	quotes   QuoteLookup
	notifier notify.Notifier
	logger   logrus.FieldLogger
	config   Config
}

// NewManager creates a new order manager instance.
func NewManager(
	broker Broker,
	storage storage.Interface,
	quotes QuoteLookup,
	notifier notify.Notifier,
	logger logrus.FieldLogger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "orders")
	}
	if !cfg.NotionalCap.IsPositive() {
		cfg.NotionalCap = DefaultConfig.NotionalCap
	}
	if !cfg.StopOffset.IsPositive() {
		cfg.StopOffset = DefaultConfig.StopOffset
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if broker == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if storage == nil {
		panic("orders.NewManager: storage must not be nil")
	}

	return &Manager{
		broker:   broker,
		storage:  storage,
		quotes:   quotes,
		notifier: notifier,
		logger:   logger,
		config:   cfg,
	}
}

// CreateBuyOrder sizes and submits a market buy for the contract at the
// requested strike. The order row is written before the broker is called;
// if the broker fails the row stays in accepted with no broker id.
func (m *Manager) CreateBuyOrder(ctx context.Context, req BuyRequest) (*Receipt, error) {
	if m.quotes == nil {
		return nil, fmt.Errorf("%w: no quote cache", ErrNotFound)
	}
	quote, ok := m.quotes.Quote(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no cached quote for %s", ErrNotFound, req.Symbol)
	}
	optionType, err := models.ParseOptionType(req.OptionType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	option, ok := findContract(quote, optionType, req.Strike)
	if !ok {
		return nil, fmt.Errorf("%w: no %s at strike %s for %s", ErrNotFound, optionType, req.Strike, req.Symbol)
	}

	price := option.Mid()
	if req.BuySellPoint == PriceModeBidAsk {
		price = option.Ask
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price for %s is %s", ErrInvalidInput, option.Symbol, price)
	}
	quantity := util.ContractsForNotional(m.config.NotionalCap, price, models.ContractMultiplier)
	if quantity < 1 {
		return nil, fmt.Errorf("%w: one contract of %s at %s exceeds notional cap %s",
			ErrInvalidInput, option.Symbol, price, m.config.NotionalCap)
	}

	order := models.Order{
		ContractSymbol: option.Symbol,
		State:          models.OrderAccepted,
		Quantity:       quantity,
		Price:          decimal.Zero,
		Type:           models.OrderTypeMarket,
		Side:           models.SideBuyToOpen,
	}
	return m.place(ctx, order, quote.Symbol, price)
}

// CreateSellOrder closes a position in full with a market order. Any live
// stop protecting the position is cancelled first.
func (m *Manager) CreateSellOrder(ctx context.Context, req SellRequest) (*Receipt, error) {
	positions, err := m.storage.GetPositions(ctx, storage.Where(storage.Eq("id", req.PositionID)))
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", req.PositionID, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, req.PositionID)
	}
	position := positions[0]
	if position.State != models.PositionOpen || position.Quantity < 1 {
		return nil, fmt.Errorf("%w: position %d is %s", ErrInvalidInput, position.ID, position.State)
	}

	m.cancelStops(ctx, position.ID)

	order := models.Order{
		ContractSymbol: position.ContractSymbol,
		State:          models.OrderAccepted,
		Quantity:       position.Quantity,
		Price:          decimal.Zero,
		Type:           models.OrderTypeMarket,
		Side:           models.SideSellToClose,
	}
	return m.place(ctx, order, models.Underlying(position.ContractSymbol), decimal.Zero)
}

// place runs insert, notify, submit and attach for a user-initiated order.
func (m *Manager) place(ctx context.Context, order models.Order, underlying string, reference decimal.Decimal) (*Receipt, error) {
	log := m.logger.WithFields(logrus.Fields{
		"symbol": order.ContractSymbol,
		"side":   order.Side,
		"qty":    order.Quantity,
	})

	tag, err := m.storage.InsertOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	log = log.WithField("tag", tag)
	if m.notifier != nil {
		m.notifier.Notify(notify.MessageOrderCreated, notify.ColorWhite)
	}

	ack, err := m.submit(ctx, broker.OrderRequest{
		Underlying:   underlying,
		OptionSymbol: order.ContractSymbol,
		Side:         order.Side,
		Type:         order.Type,
		Tag:          tag,
		Quantity:     order.Quantity,
	})
	if err != nil {
		log.WithError(err).Error("order submission failed, ledger row left in accepted")
		return nil, err
	}
	if err := m.attach(ctx, tag, ack.ID); err != nil {
		log.WithError(err).Error("failed to attach broker id")
		return nil, err
	}
	log.WithField("broker_id", ack.ID).Info("order submitted")

	return &Receipt{
		Tag:            tag,
		BrokerID:       ack.ID,
		ContractSymbol: order.ContractSymbol,
		Side:           order.Side,
		Type:           order.Type,
		Price:          reference,
		Quantity:       order.Quantity,
	}, nil
}

// CreateStopLossesOnNakedPositions makes sure every open position has one
// live stop for its full quantity. A matching stop is left alone, a stop
// for the wrong quantity is cancelled and replaced, and a naked position
// gets a new stop at the average price minus the configured offset.
// Positions with a close order in flight are skipped. Failures are joined
// and returned after every position has been visited.
func (m *Manager) CreateStopLossesOnNakedPositions(ctx context.Context) error {
	positions, err := m.storage.GetPositions(ctx, storage.Where(storage.Eq("state", models.PositionOpen)))
	if err != nil {
		return fmt.Errorf("get open positions: %w", err)
	}

	var errs []error
	for _, p := range positions {
		if err := m.protect(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) protect(ctx context.Context, p models.Position) error {
	log := m.logger.WithFields(logrus.Fields{"position_id": p.ID, "symbol": p.ContractSymbol})

	closing, err := m.storage.GetOrders(ctx, storage.Where(
		storage.Eq("position_id", p.ID),
		storage.Eq("side", models.SideSellToClose),
		storage.Eq("type", models.OrderTypeMarket),
		storage.In("state", liveStates...),
	))
	if err != nil {
		return fmt.Errorf("get close orders: %w", err)
	}
	if len(closing) > 0 {
		return nil
	}

	stops, err := m.liveStops(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(stops) > 0 {
		stop := stops[0]
		if stop.Quantity == p.Quantity {
			return nil
		}
		log.WithFields(logrus.Fields{"stop_qty": stop.Quantity, "position_qty": p.Quantity}).
			Info("stop quantity differs from position, replacing")
		if !m.cancel(ctx, stop) {
			return fmt.Errorf("%w: could not cancel stop %s", ErrUpstream, stop.Tag)
		}
	}
	return m.createStop(ctx, p)
}

func (m *Manager) createStop(ctx context.Context, p models.Position) error {
	stopPrice := util.StopPrice(p.PriceAvg, m.config.StopOffset, util.PennyTick)
	positionID := p.ID
	tag, err := m.storage.InsertOrder(ctx, models.Order{
		ContractSymbol: p.ContractSymbol,
		PositionID:     &positionID,
		State:          models.OrderAccepted,
		Quantity:       p.Quantity,
		Price:          stopPrice,
		Type:           models.OrderTypeStop,
		Side:           models.SideSellToClose,
	})
	if err != nil {
		return fmt.Errorf("insert stop: %w", err)
	}

	ack, err := m.submit(ctx, broker.OrderRequest{
		Underlying:   models.Underlying(p.ContractSymbol),
		OptionSymbol: p.ContractSymbol,
		Side:         models.SideSellToClose,
		Type:         models.OrderTypeStop,
		Tag:          tag,
		Stop:         stopPrice,
		Quantity:     p.Quantity,
	})
	if err != nil {
		return err
	}
	if err := m.attach(ctx, tag, ack.ID); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"position_id": p.ID,
		"tag":         tag,
		"stop":        stopPrice.StringFixed(2),
		"qty":         p.Quantity,
	}).Info("stop loss placed")
	return nil
}

func (m *Manager) liveStops(ctx context.Context, positionID int64) ([]models.Order, error) {
	stops, err := m.storage.GetOrders(ctx, storage.Where(
		storage.Eq("position_id", positionID),
		storage.Eq("type", models.OrderTypeStop),
		storage.In("state", liveStates...),
	))
	if err != nil {
		return nil, fmt.Errorf("get stops: %w", err)
	}
	return stops, nil
}

// cancelStops cancels every live stop on a position. Failures are logged;
// the caller proceeds regardless.
func (m *Manager) cancelStops(ctx context.Context, positionID int64) {
	stops, err := m.liveStops(ctx, positionID)
	if err != nil {
		m.logger.WithError(err).WithField("position_id", positionID).Warn("could not look up stops before sell")
		return
	}
	for _, stop := range stops {
		m.cancel(ctx, stop)
	}
}

// cancel asks the broker to cancel o and marks it cancelled once the broker
// confirms. It reports whether the order is now cancelled.
func (m *Manager) cancel(ctx context.Context, o models.Order) bool {
	log := m.logger.WithFields(logrus.Fields{"tag": o.Tag, "order_id": o.ID})
	if o.BrokerID == nil || *o.BrokerID == "" {
		log.Warn("order has no broker id, cannot cancel")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	ack, err := m.broker.CancelOrder(callCtx, *o.BrokerID)
	if err != nil || ack == nil {
		metrics.BrokerErrors.WithLabelValues("cancel").Inc()
		log.WithError(err).Warn("broker did not confirm cancel")
		return false
	}

	cancelled := models.OrderCancelled
	if err := m.storage.UpdateOrder(ctx, storage.ByID(o.ID), models.OrderUpdate{State: &cancelled}); err != nil {
		log.WithError(err).Error("cancel confirmed but ledger update failed")
		return false
	}
	log.Info("order cancelled")
	return true
}

func (m *Manager) submit(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	ack, err := m.broker.SubmitOrder(callCtx, req)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("submit").Inc()
		return nil, fmt.Errorf("%w: submit %s: %w", ErrUpstream, req.Tag, err)
	}
	if ack == nil || ack.ID == "" {
		metrics.BrokerErrors.WithLabelValues("submit").Inc()
		return nil, fmt.Errorf("%w: submit %s: empty acknowledgement", ErrUpstream, req.Tag)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(req.Side), string(req.Type)).Inc()
	return ack, nil
}

// attach records the broker id and moves the order to sent. The store only
// changes the state while the order is still accepted, so an event applied
// in the meantime is never overwritten.
func (m *Manager) attach(ctx context.Context, tag, brokerID string) error {
	accepted, sent := models.OrderAccepted, models.OrderSent
	update := models.OrderUpdate{BrokerID: &brokerID, State: &sent, StateFrom: &accepted}
	if err := m.storage.UpdateOrder(ctx, storage.ByTag(tag), update); err != nil {
		return fmt.Errorf("attach broker id to %s: %w", tag, err)
	}
	return nil
}

func findContract(q market.Quote, optionType models.OptionType, strike decimal.Decimal) (market.OptionQuote, bool) {
	list := q.Calls
	if optionType == models.OptionTypePut {
		list = q.Puts
	}
	for _, o := range list {
		if o.Strike.Equal(strike) {
			return o, true
		}
	}
	return market.OptionQuote{}, false
}
