// Package market owns the quote cache, the watchlist and the enrichment
// math behind the UI views.
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/bullwise/internal/broker"
)

// OptionQuote is a tradable contract kept after filtering.
type OptionQuote struct {
	Symbol       string          `json:"symbol"`
	Strike       decimal.Decimal `json:"strike"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	BidAskSpread decimal.Decimal `json:"bid_ask_spread"`
}

// Mid returns the midpoint of bid and ask.
func (o OptionQuote) Mid() decimal.Decimal {
	return o.Bid.Add(o.Ask).Div(decimal.NewFromInt(2))
}

// Quote is an enriched underlying quote.
type Quote struct {
	UpdatedAt            time.Time                    `json:"updated_at"`
	StrikeDiff           *decimal.Decimal             `json:"strike_diff"`
	VolumeRelative       *decimal.Decimal             `json:"volume_relative"`
	ChangePercentageOpen *decimal.Decimal             `json:"change_percentage_open"`
	Symbol               string                       `json:"symbol"`
	Calls                []OptionQuote                `json:"calls"`
	Puts                 []OptionQuote                `json:"puts"`
	Candles              []broker.HistoricalDataPoint `json:"-"`
	PriceNow             decimal.Decimal              `json:"price_now"`
	Open                 decimal.Decimal              `json:"open"`
	Close                decimal.Decimal              `json:"close"`
	High                 decimal.Decimal              `json:"high"`
	Low                  decimal.Decimal              `json:"low"`
	PrevClose            decimal.Decimal              `json:"prevclose"`
	ChangePercentage     decimal.Decimal              `json:"change_percentage"`
	VolumeNow            int64                        `json:"volume_now"`
	VolumeNowDay         int64                        `json:"volume_now_day"`
}

// KeyLevel is a session level and its distance from the current price.
type KeyLevel struct {
	PercentFrom *decimal.Decimal `json:"percent_from"`
	Type        string           `json:"type"`
}

// KeyLevels splits levels above and below the current price.
type KeyLevels struct {
	Above []KeyLevel `json:"above"`
	Below []KeyLevel `json:"below"`
}

// View is the client representation of a cached quote.
type View struct {
	StrikeDiff           *decimal.Decimal `json:"strike_diff"`
	VolumeRelative       *decimal.Decimal `json:"volume_relative"`
	ChangePercentageOpen *decimal.Decimal `json:"change_percentage_open"`
	Symbol               string           `json:"symbol"`
	Calls                []OptionQuote    `json:"calls"`
	Puts                 []OptionQuote    `json:"puts"`
	KeyLevels            KeyLevels        `json:"key_levels"`
	PriceNow             decimal.Decimal  `json:"price_now"`
	StrikeMax            decimal.Decimal  `json:"strike_max"`
	StrikeMin            decimal.Decimal  `json:"strike_min"`
	StrikeClose          decimal.Decimal  `json:"strike_close"`
	ChangePercentage     decimal.Decimal  `json:"change_percentage"`
}
