package wallet

import (
	"context"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/ledger"
)

// Repository persists wallet projections.
type Repository interface {
	// Create inserts the wallet; ErrDuplicateKey when the identity slot is
	// taken.
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, key Key) (*Wallet, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Wallet, error)
	ListByUser(ctx context.Context, tenantID, userID string) ([]*Wallet, error)
	// SetBalances overwrites the projected balances for a wallet.
	SetBalances(ctx context.Context, id uuid.UUID, balance, bonus, locked int64) error
	// AddLifetimeCounters applies additive atomic increments to the
	// advisory counters.
	AddLifetimeCounters(ctx context.Context, id uuid.UUID, deposits, withdrawals, fees int64) error
}

// LedgerReader is the slice of the ledger the projection syncs from.
type LedgerReader interface {
	BalancesForUser(ctx context.Context, tenantID, userID, currency string) (*ledger.UserBalances, error)
}
