package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyBps_TypicalDepositFee(t *testing.T) {
	// 2.9% of 1000.00 EUR
	assert.Equal(t, int64(2900), ApplyBps(100000, 290))
}

func TestApplyBps_RoundsDown(t *testing.T) {
	// 2.9% of 0.99 EUR = 2.871 cents → 2
	assert.Equal(t, int64(2), ApplyBps(99, 290))
}

func TestApplyBps_ZeroRate(t *testing.T) {
	assert.Equal(t, int64(0), ApplyBps(100000, 0))
}

func TestApplyBps_ZeroAmount(t *testing.T) {
	assert.Equal(t, int64(0), ApplyBps(0, 290))
}

func TestApplyBps_FullRate(t *testing.T) {
	assert.Equal(t, int64(100000), ApplyBps(100000, 10000))
}

func TestApplyBps_TinyAmountRoundsToZero(t *testing.T) {
	// 1 cent at 2.9% rounds down to nothing
	assert.Equal(t, int64(0), ApplyBps(1, 290))
}

func TestApplyBps_LargeAmountStaysExact(t *testing.T) {
	// 2.9% of 4e16 minor units; the naive amount*bps product would overflow
	// and go negative.
	assert.Equal(t, int64(1_160_000_000_000_000), ApplyBps(40_000_000_000_000_000, 290))
}

func TestApplyBps_MaxAmountFullRate(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), ApplyBps(math.MaxInt64, 10000))
}

func TestApplyBps_SplitMatchesDirectMath(t *testing.T) {
	// Amounts small enough for the direct product: both forms must agree,
	// including the rounding of remainders.
	for _, amount := range []int64{1, 99, 10001, 123457, 99999999} {
		for _, bps := range []int64{1, 290, 9999, 10000} {
			assert.Equal(t, amount*bps/10000, ApplyBps(amount, bps),
				"amount=%d bps=%d", amount, bps)
		}
	}
}
