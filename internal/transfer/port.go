package transfer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no transfer exists for the given key.
	ErrNotFound = errors.New("transfer not found")

	// ErrDuplicateRef means (tenant, externalRef) is already taken. The
	// caller reads the winner's row and proceeds.
	ErrDuplicateRef = errors.New("transfer external reference already exists")

	// ErrInvalidTransition means the requested status change would move a
	// transfer backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid transfer status transition")
)

// Repository persists transfer aggregates.
type Repository interface {
	// Create inserts the transfer; ErrDuplicateRef on a taken
	// (tenant, external_ref) key.
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id uuid.UUID) (*Transfer, error)
	GetByExternalRef(ctx context.Context, tenantID, externalRef string) (*Transfer, error)
	// UpdateStatus applies a monotonic status transition; the update is
	// conditional on the current status still admitting it.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	// LinkTransactions records the ledger transactions the operation posted.
	LinkTransactions(ctx context.Context, id uuid.UUID, debitTxID, creditTxID, feeTxID *uuid.UUID) error
	ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*Transfer, error)
}
