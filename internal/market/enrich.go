package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/models"
)

var (
	hundred        = decimal.NewFromInt(100)
	maxStrikeDiff  = decimal.RequireFromString("2.5")
	realisticRange = decimal.RequireFromString("0.1")
)

// relativeVolumeWindow is the number of recent sessions averaged for relative volume.
const relativeVolumeWindow = 5

// PercentGrowth returns (second-first)/|first| as a percentage rounded to
// two places, or nil when either value is zero.
func PercentGrowth(first, second decimal.Decimal) *decimal.Decimal {
	if first.IsZero() || second.IsZero() {
		return nil
	}
	g := second.Sub(first).Div(first.Abs()).Mul(hundred).Round(2)
	return &g
}

// RelativeVolume compares today's volume with the mean of the five most
// recent daily candles. candles must be ordered newest first. It returns nil
// when there is no volume yet or fewer than five candles.
func RelativeVolume(candles []broker.HistoricalDataPoint, volumeNow int64) *decimal.Decimal {
	if volumeNow == 0 || len(candles) < relativeVolumeWindow {
		return nil
	}
	var total int64
	for _, c := range candles[:relativeVolumeWindow] {
		total += c.Volume
	}
	avg := decimal.NewFromInt(total).Div(decimal.NewFromInt(relativeVolumeWindow))
	return PercentGrowth(avg, decimal.NewFromInt(volumeNow))
}

// FilterOptions keeps the contracts worth showing: both sides quoted, one
// contract affordable under notionalCap, calls no more than 10% above last
// and puts no more than 10% below it.
func FilterOptions(chain []broker.Option, last, notionalCap decimal.Decimal) (calls, puts []OptionQuote) {
	upper := last.Add(last.Mul(realisticRange))
	lower := last.Sub(last.Mul(realisticRange))
	multiplier := decimal.NewFromInt(models.ContractMultiplier)

	for _, o := range chain {
		if o.Bid == 0 || o.Ask == 0 {
			continue
		}
		bid := decimal.NewFromFloat(o.Bid)
		ask := decimal.NewFromFloat(o.Ask)
		if ask.Mul(multiplier).GreaterThan(notionalCap) {
			continue
		}
		strike := decimal.NewFromFloat(o.Strike)
		q := OptionQuote{
			Symbol:       o.Symbol,
			Strike:       strike,
			Bid:          bid,
			Ask:          ask,
			BidAskSpread: ask.Sub(bid).Round(2),
		}
		switch models.OptionType(o.OptionType) {
		case models.OptionTypeCall:
			if strike.GreaterThan(upper) {
				continue
			}
			calls = append(calls, q)
		case models.OptionTypePut:
			if strike.LessThan(lower) {
				continue
			}
			puts = append(puts, q)
		}
	}
	return calls, puts
}

// StrikeDiff returns the most common gap between adjacent strikes on the
// side with more contracts, capped at 2.5. Ties go to the smaller gap.
func StrikeDiff(calls, puts []OptionQuote) *decimal.Decimal {
	subject := puts
	if len(calls) > len(puts) {
		subject = calls
	}
	if len(subject) < 2 {
		return nil
	}

	strikes := make([]decimal.Decimal, len(subject))
	for i, o := range subject {
		strikes[i] = o.Strike
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].GreaterThan(strikes[j]) })

	counts := make(map[string]int)
	diffs := make(map[string]decimal.Decimal)
	for i := 0; i+1 < len(strikes); i++ {
		d := strikes[i].Sub(strikes[i+1])
		if d.IsZero() {
			continue
		}
		k := d.String()
		counts[k]++
		diffs[k] = d
	}
	if len(counts) == 0 {
		return nil
	}

	var best decimal.Decimal
	bestCount := 0
	for k, n := range counts {
		d := diffs[k]
		if n > bestCount || (n == bestCount && d.LessThan(best)) {
			best, bestCount = d, n
		}
	}
	if best.GreaterThan(maxStrikeDiff) {
		best = maxStrikeDiff
	}
	return &best
}

// PreviousWeekday returns yesterday when it was a weekday, otherwise the
// Friday before now.
func PreviousWeekday(now time.Time) time.Time {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, -1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// CandlesStale reports whether candles (newest first) lack the previous
// weekday's session and should be fetched again.
func CandlesStale(candles []broker.HistoricalDataPoint, now time.Time) bool {
	if len(candles) == 0 || candles[0].Date.IsZero() {
		return true
	}
	want := PreviousWeekday(now).Format("2006-01-02")
	return candles[0].Date.Format("2006-01-02") != want
}

// NewestFirst sorts candles by descending date in place and returns them.
func NewestFirst(candles []broker.HistoricalDataPoint) []broker.HistoricalDataPoint {
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Date.After(candles[j].Date) })
	return candles
}

// ClientView projects a quote into the shape the UI renders.
func ClientView(q Quote) View {
	v := View{
		Symbol:               q.Symbol,
		PriceNow:             q.PriceNow,
		VolumeRelative:       q.VolumeRelative,
		Calls:                q.Calls,
		Puts:                 q.Puts,
		StrikeDiff:           q.StrikeDiff,
		ChangePercentage:     q.ChangePercentage,
		ChangePercentageOpen: q.ChangePercentageOpen,
		KeyLevels:            KeyLevels{Above: []KeyLevel{}, Below: []KeyLevel{}},
	}

	first := true
	for _, o := range append(append([]OptionQuote{}, q.Calls...), q.Puts...) {
		if first {
			v.StrikeMin, v.StrikeMax, v.StrikeClose = o.Strike, o.Strike, o.Strike
			first = false
			continue
		}
		if o.Strike.GreaterThan(v.StrikeMax) {
			v.StrikeMax = o.Strike
		}
		if o.Strike.LessThan(v.StrikeMin) {
			v.StrikeMin = o.Strike
		}
		if o.Strike.Sub(q.PriceNow).Abs().LessThan(v.StrikeClose.Sub(q.PriceNow).Abs()) {
			v.StrikeClose = o.Strike
		}
	}

	levels := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", q.Open},
		{"prevclose", q.PrevClose},
		{"high", q.High},
		{"low", q.Low},
		{"close", q.Close},
	}
	for _, l := range levels {
		pf := PercentGrowth(q.PriceNow, l.value)
		level := KeyLevel{Type: l.name, PercentFrom: pf}
		if pf != nil && pf.IsNegative() {
			v.KeyLevels.Below = append(v.KeyLevels.Below, level)
		} else {
			v.KeyLevels.Above = append(v.KeyLevels.Above, level)
		}
	}
	return v
}
