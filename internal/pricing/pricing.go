// Package pricing computes marketplace offer prices from supplier cost.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrFeeTooHigh     = errors.New("fee percentage must be less than 1 (100%)")
	ErrNegativeCost   = errors.New("supplier price cannot be negative")
	ErrNegativeProfit = errors.New("profit cannot be negative")
)

// Price returns (cost + profit) / (1 - fee) rounded to cents, so that the
// seller keeps cost + profit after the marketplace fee.
func Price(cost, profit, fee decimal.Decimal) (decimal.Decimal, error) {
	if fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrFeeTooHigh
	}
	if cost.IsNegative() {
		return decimal.Zero, ErrNegativeCost
	}
	if profit.IsNegative() {
		return decimal.Zero, ErrNegativeProfit
	}

	return cost.Add(profit).Div(decimal.NewFromInt(1).Sub(fee)).Round(2), nil
}
