// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// PennyTick is the minimum price increment for option orders.
var PennyTick = decimal.RequireFromString("0.01")

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// StopPrice returns avg minus offset rounded to tick, never below one tick.
func StopPrice(avg, offset, tick decimal.Decimal) decimal.Decimal {
	stop := RoundToTick(avg.Sub(offset), tick)
	if tick.IsPositive() && stop.LessThan(tick) {
		return tick
	}
	return stop
}

// ContractsForNotional returns how many whole contracts priced at price fit
// under notional. It returns 0 when price is not positive.
func ContractsForNotional(notional, price decimal.Decimal, multiplier int64) int {
	cost := price.Mul(decimal.NewFromInt(multiplier))
	if !cost.IsPositive() {
		return 0
	}
	return int(notional.Div(cost).Floor().IntPart())
}
