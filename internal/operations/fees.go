package operations

import (
	"fmt"

	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/pkg/money"
)

// FeePolicy resolves the fee rate for an operation. Lookup order:
// "opType:method", then "opType", then the default rate.
type FeePolicy struct {
	rates      map[string]int64
	defaultBps int64
}

// NewFeePolicy creates a fee policy from per-key basis points and a default.
func NewFeePolicy(rates map[string]int64, defaultBps int64) *FeePolicy {
	if rates == nil {
		rates = map[string]int64{}
	}
	return &FeePolicy{rates: rates, defaultBps: defaultBps}
}

// ResolveBps returns the basis-point rate for an operation and method.
func (p *FeePolicy) ResolveBps(opType transfer.OpType, method string) int64 {
	if method != "" {
		if bps, ok := p.rates[string(opType)+":"+method]; ok {
			return bps
		}
	}
	if bps, ok := p.rates[string(opType)]; ok {
		return bps
	}
	return p.defaultBps
}

// Quote computes the fee and net amount for a request. The fee may not
// consume the whole amount: a movement of zero is never posted.
func (p *FeePolicy) Quote(opType transfer.OpType, method string, amount int64) (FeeQuote, error) {
	bps := p.ResolveBps(opType, method)
	fee := money.ApplyBps(amount, bps)
	net := amount - fee
	if net <= 0 {
		return FeeQuote{}, fmt.Errorf("%w: amount=%d fee=%d", ErrFeeConsumesAmount, amount, fee)
	}
	return FeeQuote{Bps: bps, Fee: fee, Net: net}, nil
}
