package ledger

import "errors"

// Account errors
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountClosed          = errors.New("account closed")
	ErrInvalidAccountIdentity = errors.New("invalid account identity")
	ErrInvalidSubtype         = errors.New("invalid account subtype")
	ErrInvalidCurrency        = errors.New("invalid currency code")
	ErrInvalidCreditLimit     = errors.New("credit limit cannot be negative")
)

// Posting errors (deterministic; never retried)
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrCreditLimitExceeded    = errors.New("credit limit exceeded")
	ErrMismatchedCurrency     = errors.New("account currencies do not match")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrSameAccount            = errors.New("source and destination accounts are the same")
	ErrInvalidExternalRef     = errors.New("external reference must be printable and at most 128 characters")
	ErrInvalidChargeRole      = errors.New("invalid charge role")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidTenant          = errors.New("tenant is required")
)

// Replay errors
var (
	ErrConflictingReplay    = errors.New("external reference already bound to a different operation")
	ErrDuplicateExternalRef = errors.New("external reference already exists")
)

// Transaction errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
)

// ErrTransientStorage marks storage faults that are safe to retry. The
// repository wraps qualifying driver errors with it; everything else is
// treated as deterministic.
var ErrTransientStorage = errors.New("transient storage error")
