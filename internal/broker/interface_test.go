package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/bullwise/internal/models"
)

func TestGetOptionByStrike(t *testing.T) {
	options := []Option{
		{Symbol: "SPY240315P00445000", Strike: 445.0, OptionType: "put"},
		{Symbol: "SPY240315C00445000", Strike: 445.0, OptionType: "call"},
		{Symbol: "SPY240315P00447500", Strike: 447.5, OptionType: "put"},
	}

	tests := []struct {
		name       string
		strike     float64
		optionType models.OptionType
		want       string
	}{
		{"exact put", 445, models.OptionTypePut, "SPY240315P00445000"},
		{"exact call", 445, models.OptionTypeCall, "SPY240315C00445000"},
		{"within epsilon", 447.50004, models.OptionTypePut, "SPY240315P00447500"},
		{"missing strike", 450, models.OptionTypePut, ""},
		{"missing type", 447.5, models.OptionTypeCall, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetOptionByStrike(options, tt.strike, tt.optionType)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("expected nil, got %s", got.Symbol)
				}
				return
			}
			if got == nil || got.Symbol != tt.want {
				t.Fatalf("GetOptionByStrike = %+v, want %s", got, tt.want)
			}
		})
	}
}

// fakeClient for testing CircuitBreakerClient
type fakeClient struct {
	callCount  int
	shouldFail bool
	failAfter  int
	events     chan models.FillEvent
}

var _ Client = (*fakeClient)(nil)

func (m *fakeClient) fail() bool {
	m.callCount++
	return m.shouldFail && m.callCount > m.failAfter
}

func (m *fakeClient) GetQuotes(_ context.Context, symbols []string) ([]QuoteItem, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	out := make([]QuoteItem, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, QuoteItem{Symbol: s, Last: 100})
	}
	return out, nil
}

func (m *fakeClient) GetOptionChain(_ context.Context, _ string) ([]Option, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	return []Option{}, nil
}

func (m *fakeClient) GetDailyCandles(_ context.Context, _ string, _, _ time.Time) ([]HistoricalDataPoint, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	return []HistoricalDataPoint{{Volume: 1}}, nil
}

func (m *fakeClient) GetAccountBalance(_ context.Context) (*BalanceResponse, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	b := &BalanceResponse{}
	b.Balances.TotalEquity = 1000
	return b, nil
}

func (m *fakeClient) SubmitOrder(_ context.Context, _ OrderRequest) (*OrderAck, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	return &OrderAck{ID: "123", Status: "ok"}, nil
}

func (m *fakeClient) CancelOrder(_ context.Context, id string) (*OrderAck, error) {
	if m.fail() {
		return nil, errors.New("mock broker error")
	}
	return &OrderAck{ID: id, Status: "ok"}, nil
}

func (m *fakeClient) StreamFillEvents(_ context.Context) (<-chan models.FillEvent, error) {
	return m.events, nil
}

func TestNewCircuitBreakerClient(t *testing.T) {
	fake := &fakeClient{}
	cb := NewCircuitBreakerClient(fake, nil)

	if cb == nil {
		t.Fatal("NewCircuitBreakerClient returned nil")
	}
	if cb.client != fake {
		t.Error("CircuitBreakerClient.client not set correctly")
	}
	if cb.breaker == nil {
		t.Error("CircuitBreakerClient.breaker not initialized")
	}
}

func TestCircuitBreakerClient_AllMethods(t *testing.T) {
	fake := &fakeClient{events: make(chan models.FillEvent)}
	cb := NewCircuitBreakerClient(fake, nil)
	ctx := context.Background()

	quotes, err := cb.GetQuotes(ctx, []string{"SPY"})
	if err != nil || len(quotes) != 1 || quotes[0].Symbol != "SPY" {
		t.Errorf("GetQuotes = %v, %v", quotes, err)
	}
	if _, err := cb.GetOptionChain(ctx, "SPY"); err != nil {
		t.Errorf("GetOptionChain: %v", err)
	}
	if c, err := cb.GetDailyCandles(ctx, "SPY", time.Time{}, time.Time{}); err != nil || len(c) != 1 {
		t.Errorf("GetDailyCandles = %v, %v", c, err)
	}
	if b, err := cb.GetAccountBalance(ctx); err != nil || b.Balances.TotalEquity != 1000 {
		t.Errorf("GetAccountBalance = %v, %v", b, err)
	}
	if ack, err := cb.SubmitOrder(ctx, OrderRequest{}); err != nil || ack.ID != "123" {
		t.Errorf("SubmitOrder = %v, %v", ack, err)
	}
	if ack, err := cb.CancelOrder(ctx, "9"); err != nil || ack.ID != "9" {
		t.Errorf("CancelOrder = %v, %v", ack, err)
	}
	ch, err := cb.StreamFillEvents(ctx)
	if err != nil || ch != (<-chan models.FillEvent)(fake.events) {
		t.Errorf("StreamFillEvents should pass through the wrapped channel")
	}
	if fake.callCount != 6 {
		t.Errorf("callCount = %d, want 6", fake.callCount)
	}
}

func TestCircuitBreakerClient_FailureScenarios(t *testing.T) {
	fake := &fakeClient{shouldFail: true, failAfter: 3}
	testSettings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
	cb := NewCircuitBreakerClientWithSettings(fake, testSettings, nil)

	// Make several calls to trip the breaker
	for i := 0; i < 8; i++ {
		_, err := cb.GetAccountBalance(context.Background())
		if i < 3 {
			if err != nil {
				t.Errorf("Call %d should succeed but failed: %v", i+1, err)
			}
		} else if err == nil {
			t.Errorf("Call %d should fail but succeeded", i+1)
		}
	}

	if cb.breaker.State() != gobreaker.StateOpen {
		t.Errorf("Circuit breaker should be open, but state is %s", cb.breaker.State())
	}
}

func TestCircuitBreakerClient_OpenStateError(t *testing.T) {
	fake := &fakeClient{shouldFail: true}
	cb := NewCircuitBreakerClientWithSettings(fake, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	}, nil)

	for i := 0; i < 2; i++ {
		_, _ = cb.SubmitOrder(context.Background(), OrderRequest{})
	}
	calls := fake.callCount

	_, err := cb.SubmitOrder(context.Background(), OrderRequest{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if fake.callCount != calls {
		t.Fatal("open breaker must not reach the wrapped client")
	}
}

func TestCircuitBreakerClient_RecoveryBehavior(t *testing.T) {
	fake := &fakeClient{shouldFail: true, failAfter: 3}
	cb := NewCircuitBreakerClientWithSettings(fake, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     10 * time.Millisecond,
		Timeout:      15 * time.Millisecond,
		MinRequests:  5,
		FailureRatio: 0.6,
	}, nil)

	for i := 0; i < 8; i++ {
		_, _ = cb.GetAccountBalance(context.Background())
	}
	if cb.breaker.State() != gobreaker.StateOpen {
		t.Fatalf("Circuit breaker should be open, but state is %s", cb.breaker.State())
	}

	// Poll for state transition instead of fixed sleep
	deadline := time.Now().Add(500 * time.Millisecond)
	for cb.breaker.State() != gobreaker.StateHalfOpen {
		if time.Now().After(deadline) {
			t.Fatalf("breaker did not become half-open, state %s", cb.breaker.State())
		}
		time.Sleep(time.Millisecond)
	}

	fake.shouldFail = false
	for i := 0; i < 3; i++ {
		if _, err := cb.GetAccountBalance(context.Background()); err != nil {
			t.Fatalf("half-open call %d failed: %v", i+1, err)
		}
	}
	if cb.breaker.State() != gobreaker.StateClosed {
		t.Fatalf("Circuit breaker should be closed, but state is %s", cb.breaker.State())
	}
}
