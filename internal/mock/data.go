// Package mock provides an offline market data source and a paper broker
// that acknowledges orders and emits synthetic fill events.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/bullwise/internal/broker"
)

// DataProvider generates random-walk quotes, option chains and daily
// candles so the assistant can run without broker credentials.
type DataProvider struct {
	prices map[string]float64
	now    func() time.Time
	mu     sync.Mutex
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	max := big.NewInt(n)
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

func NewDataProvider() *DataProvider {
	return &DataProvider{prices: make(map[string]float64), now: time.Now}
}

// price advances the random walk for symbol and returns the new last price.
func (m *DataProvider) price(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		p = 20 + secureFloat64()*480
	}
	p = math.Max(1, p+(secureFloat64()-0.5)*p*0.004)
	m.prices[symbol] = p
	return p
}

func (m *DataProvider) GetQuotes(_ context.Context, symbols []string) ([]broker.QuoteItem, error) {
	quotes := make([]broker.QuoteItem, 0, len(symbols))
	for _, symbol := range symbols {
		last := m.price(symbol)
		spread := 0.02 // 2 cent spread
		open := last * (1 + (secureFloat64()-0.5)*0.02)
		prev := last * (1 + (secureFloat64()-0.5)*0.03)
		quotes = append(quotes, broker.QuoteItem{
			Symbol:           symbol,
			Description:      symbol + " (mock)",
			Type:             "stock",
			Last:             last,
			Bid:              last - spread/2,
			Ask:              last + spread/2,
			Open:             open,
			High:             math.Max(open, last) * 1.005,
			Low:              math.Min(open, last) * 0.995,
			PrevClose:        prev,
			Change:           last - prev,
			ChangePercentage: (last - prev) / prev * 100,
			Volume:           secureInt63n(100000000),
			AverageVolume:    50000000,
		})
	}
	return quotes, nil
}

// GetOptionChain returns a synthetic chain for the next Friday expiration.
func (m *DataProvider) GetOptionChain(_ context.Context, symbol string) ([]broker.Option, error) {
	current := m.price(symbol)
	expDate := nextFriday(m.now())
	expiration := expDate.Format("2006-01-02")
	dte := math.Max(1, time.Until(expDate).Hours()/24)

	strikeInterval := 1.0
	if current > 200 {
		strikeInterval = 5.0
	}
	startStrike := math.Floor(current/strikeInterval)*strikeInterval - 10*strikeInterval
	endStrike := startStrike + 20*strikeInterval

	var options []broker.Option
	for strike := startStrike; strike <= endStrike; strike += strikeInterval {
		if strike <= 0 {
			continue
		}
		timeValue := current * 0.01 * math.Sqrt(dte/365.0) * 4
		putPrice := math.Max(0.05, strike-current) + timeValue*math.Exp(-math.Abs(strike-current)*0.05)
		callPrice := math.Max(0.05, current-strike) + timeValue*math.Exp(-math.Abs(strike-current)*0.05)

		for _, leg := range []struct {
			kind  string
			mark  string
			price float64
		}{{"put", "P", putPrice}, {"call", "C", callPrice}} {
			options = append(options, broker.Option{
				Symbol:         fmt.Sprintf("%s%s%s%08d", symbol, expDate.Format("060102"), leg.mark, int(strike*1000)),
				Description:    fmt.Sprintf("%s %s $%.2f %s", symbol, expDate.Format("Jan 02 2006"), strike, leg.kind),
				Strike:         strike,
				OptionType:     leg.kind,
				ExpirationDate: expiration,
				Underlying:     symbol,
				Bid:            math.Round((leg.price-0.05)*100) / 100,
				Ask:            math.Round((leg.price+0.05)*100) / 100,
				Last:           math.Round(leg.price*100) / 100,
				Volume:         secureInt63n(10000),
				OpenInterest:   secureInt63n(50000),
			})
		}
	}
	return options, nil
}

// GetDailyCandles returns one candle per weekday between from and to.
func (m *DataProvider) GetDailyCandles(_ context.Context, symbol string, from, to time.Time) ([]broker.HistoricalDataPoint, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid candle range %s..%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	last := m.price(symbol)
	var points []broker.HistoricalDataPoint
	for day := truncateDay(from); !day.After(to); day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		open := last * (1 + (secureFloat64()-0.5)*0.02)
		last = math.Max(1, open*(1+(secureFloat64()-0.5)*0.02))
		points = append(points, broker.HistoricalDataPoint{
			Date:   day,
			Open:   open,
			High:   math.Max(open, last) * 1.004,
			Low:    math.Min(open, last) * 0.996,
			Close:  last,
			Volume: 1000000 + secureInt63n(50000000),
		})
	}
	return points, nil
}

// GetAccountBalance reports a fixed paper account.
func (m *DataProvider) GetAccountBalance(context.Context) (*broker.BalanceResponse, error) {
	b := &broker.BalanceResponse{}
	b.Balances.AccountNumber = "MOCK"
	b.Balances.AccountType = "cash"
	b.Balances.TotalEquity = 10000
	b.Balances.TotalCash = 10000
	b.Balances.Cash = &struct {
		CashAvailable float64 `json:"cash_available"`
	}{CashAvailable: 10000}
	return b, nil
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func nextFriday(now time.Time) time.Time {
	day := truncateDay(now)
	offset := (int(time.Friday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}
