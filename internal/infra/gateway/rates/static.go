package rates

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Static serves exchange rates from a fixed table, keyed "SRC:DST". Loaded
// from configuration at startup; suitable for tenants with a contractual
// rate sheet.
type Static struct {
	rates map[string]decimal.Decimal
}

// NewStatic creates a static rate source from a pair table
func NewStatic(pairs map[string]decimal.Decimal) *Static {
	rates := make(map[string]decimal.Decimal, len(pairs))
	for key, rate := range pairs {
		rates[strings.ToUpper(key)] = rate
	}
	return &Static{rates: rates}
}

// Rate returns the configured rate for a currency pair
func (s *Static) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	key := strings.ToUpper(src) + ":" + strings.ToUpper(dst)
	rate, ok := s.rates[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no rate configured for %s", key)
	}
	return rate, nil
}
