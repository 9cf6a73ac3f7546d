package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/bullwise/internal/models"
)

// Client defines the brokerage operations the assistant depends on.
type Client interface {
	// Market data
	GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error)
	// GetOptionChain returns the chain for the nearest expiration.
	GetOptionChain(ctx context.Context, symbol string) ([]Option, error)
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalDataPoint, error)
	GetAccountBalance(ctx context.Context) (*BalanceResponse, error)

	// Orders. A nil ack is never returned together with a nil error.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, brokerID string) (*OrderAck, error)

	// StreamFillEvents delivers account order events until ctx is done.
	StreamFillEvents(ctx context.Context) (<-chan models.FillEvent, error)
}

// OrderAck is the broker acknowledgement of a placement or cancellation.
type OrderAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TradierClient wraps TradierAPI to implement the Client interface
type TradierClient struct {
	*TradierAPI
	streamURL string
}

// Ensure TradierClient implements Client at compile time.
var _ Client = (*TradierClient)(nil)

// DefaultStreamURL is the Tradier account events websocket.
const DefaultStreamURL = "wss://ws.tradier.com/v1/accounts/events"

// NewTradierClient creates a new Tradier broker client. An empty streamURL
// selects DefaultStreamURL.
func NewTradierClient(api *TradierAPI, streamURL string) *TradierClient {
	if streamURL == "" {
		streamURL = DefaultStreamURL
	}
	return &TradierClient{TradierAPI: api, streamURL: streamURL}
}

// GetQuotes returns quotes for symbols.
func (t *TradierClient) GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	return t.GetQuotesCtx(ctx, symbols)
}

// GetOptionChain returns the option chain of the nearest listed expiration.
func (t *TradierClient) GetOptionChain(ctx context.Context, symbol string) ([]Option, error) {
	expirations, err := t.GetExpirationsCtx(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get expirations for %s: %w", symbol, err)
	}
	if len(expirations) == 0 {
		return nil, nil
	}
	return t.GetOptionChainCtx(ctx, symbol, expirations[0])
}

// GetDailyCandles returns daily candles between from and to, oldest first.
func (t *TradierClient) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalDataPoint, error) {
	return t.GetHistoricalDataCtx(ctx, symbol, from, to)
}

// GetAccountBalance returns the account balances.
func (t *TradierClient) GetAccountBalance(ctx context.Context) (*BalanceResponse, error) {
	return t.GetBalanceCtx(ctx)
}

// SubmitOrder places an option order and returns the broker id.
func (t *TradierClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	resp, err := t.PlaceOptionOrderCtx(ctx, req)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp)
}

// CancelOrder cancels a working order.
func (t *TradierClient) CancelOrder(ctx context.Context, brokerID string) (*OrderAck, error) {
	resp, err := t.CancelOrderCtx(ctx, brokerID)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp)
}

// StreamFillEvents opens the account event stream. The returned channel is
// closed once ctx is done.
func (t *TradierClient) StreamFillEvents(ctx context.Context) (<-chan models.FillEvent, error) {
	events := make(chan models.FillEvent, streamBuffer)
	s := &accountStream{
		sessions: t,
		url:      t.streamURL,
		logger:   t.logger,
		out:      events,
	}
	go s.run(ctx)
	return events, nil
}

func ackFromResponse(resp *OrderResponse) (*OrderAck, error) {
	if resp == nil || resp.Order.ID == 0 {
		return nil, errors.New("broker response missing order id")
	}
	return &OrderAck{ID: strconv.FormatInt(resp.Order.ID, 10), Status: resp.Order.Status}, nil
}

// GetOptionByStrike finds an option with a specific strike price
func GetOptionByStrike(options []Option, strike float64, optionType models.OptionType) *Option {
	for i := range options {
		if math.Abs(options[i].Strike-strike) <= 1e-4 && options[i].OptionType == string(optionType) {
			return &options[i]
		}
	}
	return nil
}

// CircuitBreakerClient wraps a Client with circuit breaker functionality.
// The event stream is not wrapped; it reconnects on its own.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*CircuitBreakerClient)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	client Client,
	fn func(Client) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerClient creates a new CircuitBreakerClient with sensible defaults
func NewCircuitBreakerClient(client Client, logger logrus.FieldLogger) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	}, logger)
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetQuotes wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]QuoteItem, error) {
		return b.GetQuotes(ctx, symbols)
	})
}

// GetOptionChain wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetOptionChain(ctx context.Context, symbol string) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol)
	})
}

// GetDailyCandles wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalDataPoint, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]HistoricalDataPoint, error) {
		return b.GetDailyCandles(ctx, symbol, from, to)
	})
}

// GetAccountBalance wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetAccountBalance(ctx context.Context) (*BalanceResponse, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (*BalanceResponse, error) {
		return b.GetAccountBalance(ctx)
	})
}

// SubmitOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (*OrderAck, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) CancelOrder(ctx context.Context, brokerID string) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (*OrderAck, error) {
		return b.CancelOrder(ctx, brokerID)
	})
}

// StreamFillEvents passes through to the wrapped client.
func (c *CircuitBreakerClient) StreamFillEvents(ctx context.Context) (<-chan models.FillEvent, error) {
	return c.client.StreamFillEvents(ctx)
}
