package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvantpay/tally/internal/transfer"
)

// ErrDuplicateOperation means the external reference is bound to an
// operation that is still in flight. The caller backs off; it neither owns
// the ref nor knows the outcome yet.
var ErrDuplicateOperation = errors.New("operation already in progress for this reference")

// TransferLookup is the slice of the transfer repository the guard reads.
type TransferLookup interface {
	GetByExternalRef(ctx context.Context, tenantID, externalRef string) (*transfer.Transfer, error)
}

// Guard answers "has this reference been used before, and how did it end".
// It is a fast pre-check only: races past it are arbitrated by the unique
// indexes on ledger_transactions and transfers.
type Guard struct {
	transfers TransferLookup
}

// NewGuard creates a duplicate-operation guard
func NewGuard(transfers TransferLookup) *Guard {
	return &Guard{transfers: transfers}
}

// Check resolves an external reference against prior operations.
//
//   - no prior operation: returns (nil, nil), the caller proceeds;
//   - prior operation still running: ErrDuplicateOperation;
//   - prior operation terminal: returns its transfer, the caller replays
//     that outcome (completed → idempotent success, failed/cancelled → the
//     prior failure).
func (g *Guard) Check(ctx context.Context, tenantID, externalRef string) (*transfer.Transfer, error) {
	prior, err := g.transfers.GetByExternalRef(ctx, tenantID, externalRef)
	if err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check external ref: %w", err)
	}

	if !prior.Status.Terminal() {
		return nil, fmt.Errorf("%w: ref=%s status=%s", ErrDuplicateOperation, externalRef, prior.Status)
	}
	return prior, nil
}
