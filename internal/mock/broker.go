package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/retry"
)

// MarketData is the read side of a broker client.
type MarketData interface {
	GetQuotes(ctx context.Context, symbols []string) ([]broker.QuoteItem, error)
	GetOptionChain(ctx context.Context, symbol string) ([]broker.Option, error)
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]broker.HistoricalDataPoint, error)
	GetAccountBalance(ctx context.Context) (*broker.BalanceResponse, error)
}

// PriceFunc reports the current price of a contract for simulated fills.
type PriceFunc func(contractSymbol string) (decimal.Decimal, bool)

const (
	stopEventDelay  = 100 * time.Millisecond
	orderEventDelay = 500 * time.Millisecond
)

// Broker is a paper broker. Market data comes from the wrapped source;
// orders are acknowledged with random ids and answered on the event stream
// with pending, open and (except for stops) filled events.
type Broker struct {
	MarketData
	price  PriceFunc
	logger logrus.FieldLogger
	events chan models.FillEvent
	sleep  retry.SleepFunc
	wg     sync.WaitGroup
}

var _ broker.Client = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithSleep replaces the delay between simulated events.
func WithSleep(s retry.SleepFunc) Option {
	return func(b *Broker) { b.sleep = s }
}

// WithLogger sets the broker logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker wraps data with simulated order handling. price may be nil, in
// which case fills report a zero price.
func NewBroker(data MarketData, price PriceFunc, opts ...Option) *Broker {
	if data == nil {
		panic("mock: market data source is required")
	}
	b := &Broker{
		MarketData: data,
		price:      price,
		logger:     logrus.StandardLogger().WithField("component", "mock_broker"),
		events:     make(chan models.FillEvent, 64),
		sleep:      retry.Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubmitOrder acknowledges the order and schedules its lifecycle events.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, errors.New("mock: quantity must be positive")
	}
	if req.OptionSymbol == "" {
		return nil, errors.New("mock: option symbol is required")
	}

	id := strconv.FormatInt(100000000+secureInt63n(900000000), 10)
	price := decimal.Zero
	if b.price != nil {
		if p, ok := b.price(req.OptionSymbol); ok {
			price = p
		}
	}

	statuses := []models.OrderState{models.OrderPending, models.OrderOpen}
	delay := orderEventDelay
	if req.Type == models.OrderTypeStop {
		delay = stopEventDelay
	} else {
		statuses = append(statuses, models.OrderFilled)
	}

	b.logger.WithFields(logrus.Fields{
		"tag":      req.Tag,
		"order_id": id,
		"symbol":   req.OptionSymbol,
		"type":     req.Type,
	}).Info("mock order accepted")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// detached so the events outlive the request that placed the order
		b.emit(context.WithoutCancel(ctx), req, id, price, statuses, delay)
	}()

	return &broker.OrderAck{ID: id, Status: "ok"}, nil
}

func (b *Broker) emit(ctx context.Context, req broker.OrderRequest, id string, price decimal.Decimal,
	statuses []models.OrderState, delay time.Duration) {
	for _, status := range statuses {
		if err := b.sleep(ctx, delay); err != nil {
			return
		}
		b.events <- models.FillEvent{
			BrokerID:         id,
			Tag:              req.Tag,
			Status:           string(status),
			Type:             string(req.Type),
			Price:            price,
			AvgFillPrice:     price,
			StopPrice:        req.Stop,
			ExecQuantity:     req.Quantity,
			LastFillQuantity: req.Quantity,
			TransactionDate:  time.Now().UTC().Format(time.RFC3339),
		}
	}
}

// CancelOrder always succeeds.
func (b *Broker) CancelOrder(_ context.Context, brokerID string) (*broker.OrderAck, error) {
	if brokerID == "" {
		return nil, errors.New("mock: broker id is required")
	}
	return &broker.OrderAck{ID: brokerID, Status: "ok"}, nil
}

// StreamFillEvents returns the simulated event channel. It is shared by all
// callers and never closed.
func (b *Broker) StreamFillEvents(context.Context) (<-chan models.FillEvent, error) {
	return b.events, nil
}

// Wait blocks until every scheduled event has been emitted.
func (b *Broker) Wait() {
	b.wg.Wait()
}
