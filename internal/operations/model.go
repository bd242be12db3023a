package operations

import (
	"time"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/transfer"
)

// OperationRequest is the input to a money operation. FromUserID defaults to
// the system user for deposits and ToUserID defaults to it for withdrawals;
// transfers require both.
type OperationRequest struct {
	TenantID     string
	FromUserID   string
	ToUserID     string
	Amount       int64
	Currency     string
	DestCurrency string
	Method       string
	ExternalRef  string
	Metadata     map[string]string
	InitiatedBy  string
}

// OperationResult is the envelope every operation returns. Business failures
// ride in Errors with Success=false; Replayed marks results adopted from a
// prior accepted operation with the same reference.
type OperationResult struct {
	Success         bool
	Replayed        bool
	Transfer        *transfer.Transfer
	DebitTx         *ledger.Transaction
	CreditTx        *ledger.Transaction
	FeeTx           *ledger.Transaction
	SagaID          uuid.UUID
	Errors          []string
	ExecutionTimeMs int64
}

// FeeQuote is the outcome of fee resolution for one request.
type FeeQuote struct {
	Bps int64
	Fee int64
	Net int64
}

// normalized is the validated, defaulted form of a request the saga steps
// work from.
type normalized struct {
	OpType       transfer.OpType
	TenantID     string
	FromUserID   string
	ToUserID     string
	Amount       int64
	Currency     string
	DestCurrency string
	Method       string
	ExternalRef  string
	Metadata     map[string]string
	InitiatedBy  string
}

// crossCurrency reports whether the operation needs a conversion pair.
func (n *normalized) crossCurrency() bool {
	return n.DestCurrency != "" && n.DestCurrency != n.Currency
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
