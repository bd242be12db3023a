package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/transport/httpapi/middleware"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// LedgerHandler serves the ledger read endpoints: posting-grade balances and
// the transaction journal.
type LedgerHandler struct {
	ledger *ledger.Service
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(svc *ledger.Service) *LedgerHandler {
	return &LedgerHandler{ledger: svc}
}

type balanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
}

type transactionResponse struct {
	ID            uuid.UUID         `json:"id"`
	Type          string            `json:"type"`
	FromAccountID string            `json:"fromAccountId"`
	ToAccountID   string            `json:"toAccountId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	ExternalRef   string            `json:"externalRef,omitempty"`
	ChargeRole    string            `json:"chargeRole,omitempty"`
	ParentTxID    *uuid.UUID        `json:"parentTxId,omitempty"`
	ExchangeRate  string            `json:"exchangeRate,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status"`
	Sequence      int64             `json:"sequence"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func toTransactionResponse(tx *ledger.Transaction) *transactionResponse {
	if tx == nil {
		return nil
	}
	return &transactionResponse{
		ID:            tx.ID,
		Type:          string(tx.Type),
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		ExternalRef:   tx.ExternalRef,
		ChargeRole:    string(tx.ChargeRole),
		ParentTxID:    tx.ParentTxID,
		ExchangeRate:  tx.ExchangeRate,
		Metadata:      tx.Metadata,
		Status:        string(tx.Status),
		Sequence:      tx.Sequence,
		CreatedAt:     tx.CreatedAt,
	}
}

// GetAccountBalance handles GET /api/v1/ledger/accounts/{accountID}/balance
func (h *LedgerHandler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		respondError(w, "account id is required", http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, balanceResponse{
		AccountID: balance.AccountID,
		Balance:   balance.Balance,
		Available: balance.Available,
		Currency:  balance.Currency,
	}, http.StatusOK)
}

// ListTransactions handles GET /api/v1/ledger/transactions
// Query: type, accountId, from, to (RFC 3339), limit, offset.
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondError(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	filters := ledger.TransactionFilters{
		TenantID: tenantID,
		Limit:    defaultTransactionLimit,
	}
	q := r.URL.Query()

	if raw := q.Get("type"); raw != "" {
		txType := ledger.TransactionType(raw)
		filters.Type = &txType
	}
	if raw := q.Get("accountId"); raw != "" {
		filters.AccountID = &raw
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, "invalid from date, expected RFC 3339", http.StatusBadRequest)
			return
		}
		filters.FromDate = &from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, "invalid to date, expected RFC 3339", http.StatusBadRequest)
			return
		}
		filters.ToDate = &to
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxTransactionLimit {
			limit = maxTransactionLimit
		}
		filters.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			respondError(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filters.Offset = offset
	}

	txs, err := h.ledger.ListTransactions(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]*transactionResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, toTransactionResponse(tx))
	}
	respondJSON(w, map[string]interface{}{
		"transactions": items,
		"limit":        filters.Limit,
		"offset":       filters.Offset,
	}, http.StatusOK)
}
