package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for ledger persistence operations.
// All mutating calls participate in the transaction carried by the context
// when one was opened with BeginTx.
type Repository interface {
	// Account operations
	GetOrCreateAccount(ctx context.Context, account *Account) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// GetAccountForUpdate acquires a row lock; only meaningful inside BeginTx.
	GetAccountForUpdate(ctx context.Context, accountID string) (*Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balance int64) error

	// NextSequence allocates the next ledger sequence number. Gaps are
	// permitted; allocation order is the canonical replay order.
	NextSequence(ctx context.Context) (int64, error)

	// Transaction operations. CreateTransaction returns
	// ErrDuplicateExternalRef when (tenant, externalRef, chargeRole) is taken.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string, role ChargeRole) (*Transaction, error)
	GetReversal(ctx context.Context, parentTxID uuid.UUID) (*Transaction, error)
	MarkTransactionReversed(ctx context.Context, id uuid.UUID) error
	ListTransactions(ctx context.Context, filters TransactionFilters) ([]*Transaction, error)

	// Entry operations (append-only)
	CreateEntries(ctx context.Context, entries []*Entry) error
	GetEntriesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*Entry, error)
	GetEntriesByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	// SumEntriesByAccount recomputes a balance from first principles; used by
	// reconciliation checks.
	SumEntriesByAccount(ctx context.Context, accountID string) (int64, error)

	// Transaction management
	BeginTx(ctx context.Context) (context.Context, error)
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error
}
