package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/operations"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/transport/httpapi/middleware"
	"github.com/kvantpay/tally/pkg/logger"
)

// OperationHandler serves the money operation endpoints. The tenant always
// comes from the token, never from the body; a client cannot move funds in a
// tenant it is not issued for.
type OperationHandler struct {
	ops    *operations.Service
	logger *logger.Logger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(ops *operations.Service, log *logger.Logger) *OperationHandler {
	return &OperationHandler{
		ops:    ops,
		logger: log.WithField("handler", "operation"),
	}
}

// operationRequest is the wire format shared by deposit, withdrawal and
// transfer.
type operationRequest struct {
	FromUserID   string            `json:"fromUserId,omitempty"`
	ToUserID     string            `json:"toUserId,omitempty"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	DestCurrency string            `json:"destCurrency,omitempty"`
	Method       string            `json:"method,omitempty"`
	ExternalRef  string            `json:"externalRef,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type transferResponse struct {
	ID           uuid.UUID         `json:"id"`
	OpType       string            `json:"opType"`
	FromUserID   string            `json:"fromUserId"`
	ToUserID     string            `json:"toUserId"`
	Amount       int64             `json:"amount"`
	FeeAmount    int64             `json:"feeAmount"`
	Currency     string            `json:"currency"`
	DestCurrency string            `json:"destCurrency,omitempty"`
	Status       string            `json:"status"`
	ExternalRef  string            `json:"externalRef,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type operationResponse struct {
	Success         bool                 `json:"success"`
	Replayed        bool                 `json:"replayed"`
	SagaID          uuid.UUID            `json:"sagaId"`
	Transfer        *transferResponse    `json:"transfer,omitempty"`
	DebitTx         *transactionResponse `json:"debitTx,omitempty"`
	CreditTx        *transactionResponse `json:"creditTx,omitempty"`
	FeeTx           *transactionResponse `json:"feeTx,omitempty"`
	Errors          []string             `json:"errors,omitempty"`
	ExecutionTimeMs int64                `json:"executionTimeMs"`
}

// CreateDeposit handles POST /api/v1/operations/deposit
func (h *OperationHandler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.ops.CreateDeposit)
}

// CreateWithdrawal handles POST /api/v1/operations/withdrawal
func (h *OperationHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.ops.CreateWithdrawal)
}

// CreateTransfer handles POST /api/v1/operations/transfer
func (h *OperationHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.ops.CreateTransfer)
}

type runFunc func(ctx context.Context, req operations.OperationRequest) (*operations.OperationResult, error)

func (h *OperationHandler) serve(w http.ResponseWriter, r *http.Request, run runFunc) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondError(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	var body operationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	clientID, _ := middleware.ClientFromContext(r.Context())
	result, err := run(r.Context(), operations.OperationRequest{
		TenantID:     tenantID,
		FromUserID:   body.FromUserID,
		ToUserID:     body.ToUserID,
		Amount:       body.Amount,
		Currency:     body.Currency,
		DestCurrency: body.DestCurrency,
		Method:       body.Method,
		ExternalRef:  body.ExternalRef,
		Metadata:     body.Metadata,
		InitiatedBy:  clientID,
	})
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("operation failed",
			"external_ref", body.ExternalRef)
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		// A replay returns the prior outcome, nothing new was created.
		status = http.StatusOK
	}
	respondJSON(w, toOperationResponse(result), status)
}

func toOperationResponse(result *operations.OperationResult) operationResponse {
	return operationResponse{
		Success:         result.Success,
		Replayed:        result.Replayed,
		SagaID:          result.SagaID,
		Transfer:        toTransferResponse(result.Transfer),
		DebitTx:         toTransactionResponse(result.DebitTx),
		CreditTx:        toTransactionResponse(result.CreditTx),
		FeeTx:           toTransactionResponse(result.FeeTx),
		Errors:          result.Errors,
		ExecutionTimeMs: result.ExecutionTimeMs,
	}
}

func toTransferResponse(t *transfer.Transfer) *transferResponse {
	if t == nil {
		return nil
	}
	return &transferResponse{
		ID:           t.ID,
		OpType:       string(t.OpType),
		FromUserID:   t.FromUserID,
		ToUserID:     t.ToUserID,
		Amount:       t.Amount,
		FeeAmount:    t.FeeAmount,
		Currency:     t.Currency,
		DestCurrency: t.DestCurrency,
		Status:       string(t.Status),
		ExternalRef:  t.ExternalRef,
		Metadata:     t.Metadata,
		CreatedAt:    t.CreatedAt,
	}
}
