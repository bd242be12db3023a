package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Convert applies an exchange rate to an amount in minor units of the source
// currency and returns minor units of the destination currency, rounded down.
// Decimal arithmetic is confined to this edge; stored balances stay int64.
func Convert(amount int64, rate decimal.Decimal, srcCurrency, dstCurrency string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	if rate.Sign() <= 0 {
		return 0, fmt.Errorf("exchange rate must be positive")
	}

	srcExp := Exponent(srcCurrency)
	dstExp := Exponent(dstCurrency)

	major := decimal.New(amount, int32(-srcExp))
	converted := major.Mul(rate).Shift(int32(dstExp)).Floor()
	result := converted.IntPart()
	if !decimal.NewFromInt(result).Equal(converted) {
		return 0, fmt.Errorf("converted amount overflows int64")
	}
	if result <= 0 {
		return 0, fmt.Errorf("converted amount rounds to zero")
	}
	return result, nil
}
