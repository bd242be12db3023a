package operations

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kvantpay/tally/internal/ledger"
)

// PermissionOracle answers capability lookups for a user. The only
// capability the posting path consumes is the account policy (allowNegative
// plus optional credit limit), frozen into the account at creation.
type PermissionOracle interface {
	AccountPolicy(ctx context.Context, tenantID, userID string) (ledger.AccountPolicy, error)
}

// RateSource resolves exchange rates for conversion pairs.
type RateSource interface {
	Rate(ctx context.Context, src, dst string) (decimal.Decimal, error)
}
