// Package broker provides the Tradier brokerage client used for market data,
// option order placement and the account order event stream.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/models"
)

const (
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"
	productionBaseURL = "https://api.tradier.com/v1"
	defaultTimeout    = 10 * time.Second
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI is a thin REST client over the Tradier v1 API.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "", nil)
}

// NewTradierAPIWithBaseURL creates a client with an optional base URL and HTTP client.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string, client *http.Client) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = sandboxBaseURL
		} else {
			baseURL = productionBaseURL
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    client,
		sandbox:   sandbox,
		logger:    logrus.StandardLogger().WithField("component", "tradier"),
	}
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout > 0 && t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger replaces the client logger.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options *struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	Low              float64 `json:"low"`
	AverageVolume    int64   `json:"average_volume"`
	LastVolume       int64   `json:"last_volume"`
	ChangePercentage float64 `json:"change_percentage"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Volume           int64   `json:"volume"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	Change           float64 `json:"change"`
	Ask              float64 `json:"ask"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations *struct {
		Date singleOrArray[string] `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		OpenPL             float64 `json:"open_pl"`
		ClosePL            float64 `json:"close_pl"`
		OptionLongValue    float64 `json:"option_long_value"`
		PendingOrdersCount int     `json:"pending_orders_count"`

		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}
	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// OrderResponse represents the order response from the Tradier API.
// Placement and cancellation only fill ID and Status.
type OrderResponse struct {
	Order struct {
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		Status            string  `json:"status"`
		Tag               string  `json:"tag"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		Quantity          float64 `json:"quantity"`
		ID                int64   `json:"id"`
	} `json:"order"`
}

// HistoricalDataPoint represents a single daily candle
type HistoricalDataPoint struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// HistoricalDataResponse represents the response from historical data API
type HistoricalDataResponse struct {
	History *struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

// StreamSessionResponse is returned when opening an account event session.
type StreamSessionResponse struct {
	Stream struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionid"`
	} `json:"stream"`
}

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	Underlying   string
	OptionSymbol string
	Side         models.OrderSide
	Type         models.OrderType
	Duration     string
	Tag          string
	Price        decimal.Decimal // limit orders only
	Stop         decimal.Decimal // stop orders only
	Quantity     int
}

// ============ API Methods ============

// GetQuotesCtx retrieves quotes for many symbols in one request.
func (t *TradierAPI) GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []QuoteItem(response.Quotes.Quote), nil
}

// GetExpirationsCtx retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Expirations == nil {
		return nil, nil
	}
	return []string(response.Expirations.Date), nil
}

// GetOptionChainCtx retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Options == nil {
		return nil, nil
	}
	return []Option(response.Options.Option), nil
}

// GetHistoricalDataCtx retrieves daily candles for a symbol between two dates, oldest first.
func (t *TradierAPI) GetHistoricalDataCtx(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", "daily")
	params.Add("start", start.Format("2006-01-02"))
	params.Add("end", end.Format("2006-01-02"))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response HistoricalDataResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}
	if response.History == nil {
		return nil, nil
	}

	points := make([]HistoricalDataPoint, 0, len(response.History.Day))
	for _, day := range response.History.Day {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		points = append(points, HistoricalDataPoint{
			Date:   date,
			Open:   day.Open,
			High:   day.High,
			Low:    day.Low,
			Close:  day.Close,
			Volume: day.Volume,
		})
	}
	return points, nil
}

// GetBalanceCtx retrieves account balance information.
func (t *TradierAPI) GetBalanceCtx(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// PlaceOptionOrderCtx submits a single-leg option order.
func (t *TradierAPI) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	if req.Underlying == "" || req.OptionSymbol == "" {
		return nil, fmt.Errorf("order requires underlying and option symbol")
	}
	duration := req.Duration
	if duration == "" {
		duration = "day"
	}
	nd, err := normalizeDuration(duration)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", req.Underlying)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", string(req.Type))
	params.Add("duration", nd)
	switch req.Type {
	case models.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("invalid price for limit order: %s, price must be positive", req.Price)
		}
		params.Add("price", req.Price.StringFixed(2))
	case models.OrderTypeStop:
		if !req.Stop.IsPositive() {
			return nil, fmt.Errorf("invalid stop for stop order: %s, stop must be positive", req.Stop)
		}
		params.Add("stop", req.Stop.StringFixed(2))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrderCtx cancels a working order by broker id.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID string) (*OrderResponse, error) {
	if orderID == "" {
		return nil, fmt.Errorf("cancel requires a broker order id")
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CreateAccountSessionCtx opens a streaming session for account events.
func (t *TradierAPI) CreateAccountSessionCtx(ctx context.Context) (*StreamSessionResponse, error) {
	endpoint := t.baseURL + "/accounts/events/session"
	var response StreamSessionResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, url.Values{}, &response); err != nil {
		return nil, err
	}
	if response.Stream.SessionID == "" {
		return nil, fmt.Errorf("account session response missing session id")
	}
	return &response, nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "", fmt.Errorf("duration cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "pre", "pre-market", "premarket":
		return "pre", nil
	case "post", "post-market", "postmarket":
		return "post", nil
	}
	return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "bullwise/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
