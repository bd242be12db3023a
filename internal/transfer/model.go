package transfer

import (
	"time"

	"github.com/google/uuid"
)

// OpType is the money operation a transfer row aggregates.
type OpType string

const (
	OpDeposit    OpType = "deposit"
	OpWithdrawal OpType = "withdrawal"
	OpTransfer   OpType = "transfer"
)

// IsValid checks if the operation type is one of the known values
func (o OpType) IsValid() bool {
	switch o {
	case OpDeposit, OpWithdrawal, OpTransfer:
		return true
	}
	return false
}

// Status is the transfer lifecycle state. Transitions are monotonic:
//
//	pending ─▶ active ─▶ completed
//	   │         └─────▶ failed
//	   └───────────────▶ cancelled (compensation)
//
// active mirrors the saga's in_progress state; a terminal row never
// reopens.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the monotonic state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Transfer is the operation-level aggregate: one row per money operation,
// linking the ledger transactions it produced. It exists for lookup and
// idempotency; the ledger rows remain the source of truth for balances.
type Transfer struct {
	ID           uuid.UUID
	TenantID     string
	OpType       OpType
	FromUserID   string
	ToUserID     string
	Amount       int64
	FeeAmount    int64
	Currency     string
	DestCurrency string
	Status       Status
	DebitTxID    *uuid.UUID
	CreditTxID   *uuid.UUID
	FeeTxID      *uuid.UUID
	ExternalRef  string
	Metadata     map[string]string
	SagaID       *uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
