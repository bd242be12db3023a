package wallet

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultCategory is the wallet category used when callers do not partition
// their balances further.
const DefaultCategory = "main"

var (
	// ErrNotFound means no wallet exists for the given key.
	ErrNotFound = errors.New("wallet not found")

	// ErrDuplicateKey means the (tenant, user, currency, category) slot is
	// taken; the caller reads the winner's row.
	ErrDuplicateKey = errors.New("wallet already exists")

	// ErrInvalidKey rejects wallet lookups with missing identity fields.
	ErrInvalidKey = errors.New("tenant, user and currency are required")
)

// Status is the wallet lifecycle state
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// Wallet is the read projection of a user's ledger balances in one currency.
// It exists for fast lookup only: nothing may authorize a posting from these
// numbers, and any disagreement with the ledger resolves toward the ledger.
type Wallet struct {
	ID            uuid.UUID
	TenantID      string
	UserID        string
	Currency      string
	Category      string
	Balance       int64
	BonusBalance  int64
	LockedBalance int64
	AllowNegative bool
	CreditLimit   *int64

	// Lifetime counters are advisory aggregates maintained by the
	// operations layer; they never feed an authorization decision.
	LifetimeDeposits    int64
	LifetimeWithdrawals int64
	LifetimeFees        int64

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key identifies a wallet.
type Key struct {
	TenantID string
	UserID   string
	Currency string
	Category string
}

// Normalize fills the default category and validates the identity fields.
func (k Key) Normalize() (Key, error) {
	if k.Category == "" {
		k.Category = DefaultCategory
	}
	if k.TenantID == "" || k.UserID == "" || k.Currency == "" {
		return k, ErrInvalidKey
	}
	return k, nil
}
