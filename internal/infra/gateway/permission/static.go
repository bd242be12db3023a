package permission

import (
	"context"

	"github.com/kvantpay/tally/internal/ledger"
)

// Static answers every policy lookup with the restrictive default. Used when
// no permission service is configured: ordinary users cannot overdraw.
type Static struct{}

// NewStatic creates the static oracle
func NewStatic() Static {
	return Static{}
}

// AccountPolicy returns the default policy for every user
func (Static) AccountPolicy(ctx context.Context, tenantID, userID string) (ledger.AccountPolicy, error) {
	return ledger.AccountPolicy{}, nil
}
