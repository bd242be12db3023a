package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccountSubtype partitions a user's holdings within one currency.
type AccountSubtype string

const (
	SubtypeMain       AccountSubtype = "main"
	SubtypeBonus      AccountSubtype = "bonus"
	SubtypeLocked     AccountSubtype = "locked"
	SubtypeConversion AccountSubtype = "conversion"
	SubtypeFee        AccountSubtype = "fee"
)

// IsValid checks if the account subtype is one of the known values
func (s AccountSubtype) IsValid() bool {
	switch s {
	case SubtypeMain, SubtypeBonus, SubtypeLocked, SubtypeConversion, SubtypeFee:
		return true
	}
	return false
}

// AccountStatus represents the lifecycle state of an account
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusClosed AccountStatus = "closed"
)

// TransactionType is the closed set of accepted ledger transaction types.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypeFee        TransactionType = "fee"
	TypeConversion TransactionType = "conversion"
	TypeBet        TransactionType = "bet"
	TypeWin        TransactionType = "win"
	TypeRefund     TransactionType = "refund"
	TypeAdjustment TransactionType = "adjustment"
)

// IsValid checks if the transaction type is one of the known values
func (t TransactionType) IsValid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransfer, TypeFee, TypeConversion,
		TypeBet, TypeWin, TypeRefund, TypeAdjustment:
		return true
	}
	return false
}

// TransactionStatus represents the lifecycle state of a transaction.
// Transactions are immutable except for the posted → reversed flip, which is
// recorded when a reversal referencing them commits.
type TransactionStatus string

const (
	TransactionStatusPosted   TransactionStatus = "posted"
	TransactionStatusReversed TransactionStatus = "reversed"
)

// ChargeRole scopes the idempotency key: one externalRef may carry at most
// one accepted operation per role, which lets a conversion pair and its fee
// share a single caller-supplied reference.
type ChargeRole string

const (
	ChargeRoleDebit  ChargeRole = "debit"
	ChargeRoleCredit ChargeRole = "credit"
	ChargeRoleFee    ChargeRole = "fee"
)

// IsValid checks if the charge role is one of the known values
func (r ChargeRole) IsValid() bool {
	switch r {
	case ChargeRoleDebit, ChargeRoleCredit, ChargeRoleFee:
		return true
	}
	return false
}

// Direction marks an entry as a debit or credit
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// AccountPolicy carries the posting constraints fixed at account creation.
type AccountPolicy struct {
	AllowNegative bool
	CreditLimit   *int64
}

// Account is one side of the double-entry model. Balance is authoritative:
// it is only ever written inside the same storage transaction as the entries
// that explain it.
type Account struct {
	ID            string
	TenantID      string
	UserID        string
	Subtype       AccountSubtype
	Currency      string
	Balance       int64
	AllowNegative bool
	CreditLimit   *int64
	Status        AccountStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AccountID derives the deterministic account identifier. Deriving it from
// the identity tuple makes lazy creation race-safe: every contender computes
// the same id and the unique index picks the winner.
func AccountID(tenantID, userID string, subtype AccountSubtype, currency string) string {
	return fmt.Sprintf("acc:%s:%s:%s:%s", tenantID, userID, subtype, currency)
}

// Validate checks account fields against the domain rules
func (a *Account) Validate() error {
	if a.TenantID == "" || a.UserID == "" {
		return ErrInvalidAccountIdentity
	}
	if !a.Subtype.IsValid() {
		return ErrInvalidSubtype
	}
	if len(a.Currency) < 3 || len(a.Currency) > 8 {
		return ErrInvalidCurrency
	}
	if a.CreditLimit != nil && *a.CreditLimit < 0 {
		return ErrInvalidCreditLimit
	}
	return nil
}

// IsClosed reports whether the account rejects further posting
func (a *Account) IsClosed() bool {
	return a.Status == AccountStatusClosed
}

// Transaction is an immutable double-entry movement between two accounts of
// the same currency. Reversals are new transactions pointing at their parent.
type Transaction struct {
	ID            uuid.UUID
	TenantID      string
	Type          TransactionType
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Currency      string
	ExternalRef   string
	ChargeRole    ChargeRole
	ParentTxID    *uuid.UUID
	ExchangeRate  string
	Metadata      map[string]string
	InitiatedBy   string
	Status        TransactionStatus
	Sequence      int64
	CreatedAt     time.Time
}

// Matches reports whether a replayed request targets the same movement as
// this transaction. Used to tell an idempotent replay from a conflicting one.
func (t *Transaction) Matches(req PostRequest) bool {
	return t.FromAccountID == req.FromAccountID &&
		t.ToAccountID == req.ToAccountID &&
		t.Amount == req.Amount &&
		t.Currency == req.Currency &&
		t.Type == req.Type
}

// Entry is one leg of a transaction. Append-only.
type Entry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     string
	Direction     Direction
	Amount        int64
	BalanceAfter  int64
	Sequence      int64
	CreatedAt     time.Time
}

// IsDebit returns true if this entry decreases the account balance
func (e *Entry) IsDebit() bool {
	return e.Direction == DirectionDebit
}

// SignedAmount returns the balance effect of the entry
func (e *Entry) SignedAmount() int64 {
	if e.IsDebit() {
		return -e.Amount
	}
	return e.Amount
}

// Balance is the authorization-grade view of a single account.
type Balance struct {
	AccountID string
	Balance   int64
	Available int64
	Currency  string
}

// UserBalances aggregates a user's per-subtype balances in one currency.
// It is what the wallet projection reads when it syncs.
type UserBalances struct {
	Main   int64
	Bonus  int64
	Locked int64
}

// PostRequest describes one movement to post.
type PostRequest struct {
	TenantID      string
	Type          TransactionType
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Currency      string
	ExternalRef   string
	ChargeRole    ChargeRole
	InitiatedBy   string
	Metadata      map[string]string
	ParentTxID    *uuid.UUID
	ExchangeRate  string
}

// Validate rejects malformed requests before any I/O
func (r PostRequest) Validate() error {
	if r.TenantID == "" {
		return ErrInvalidTenant
	}
	if !r.Type.IsValid() {
		return ErrInvalidTransactionType
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if len(r.Currency) < 3 || len(r.Currency) > 8 {
		return ErrInvalidCurrency
	}
	if r.FromAccountID == "" || r.ToAccountID == "" {
		return ErrInvalidAccountIdentity
	}
	if r.FromAccountID == r.ToAccountID {
		return ErrSameAccount
	}
	if !validExternalRef(r.ExternalRef) {
		return ErrInvalidExternalRef
	}
	if !r.ChargeRole.IsValid() {
		return ErrInvalidChargeRole
	}
	return nil
}

// validExternalRef enforces the reference contract: printable, non-empty,
// at most 128 characters.
func validExternalRef(ref string) bool {
	if len(ref) == 0 || len(ref) > 128 {
		return false
	}
	for _, c := range ref {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// TransactionFilters defines filters for listing transactions
type TransactionFilters struct {
	TenantID  string
	Type      *TransactionType
	AccountID *string
	Status    *TransactionStatus
	FromDate  *time.Time
	ToDate    *time.Time
	Limit     int
	Offset    int
}
