package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kvantpay/tally/internal/transport/httpapi/middleware"
	"github.com/kvantpay/tally/internal/wallet"
)

// maxBulkUsers bounds one bulk balance request.
const maxBulkUsers = 200

// WalletHandler serves the wallet projection read endpoints. These numbers
// are display-grade: authorization always happens in the ledger.
type WalletHandler struct {
	wallets *wallet.Service
}

// NewWalletHandler creates a new wallet handler
func NewWalletHandler(wallets *wallet.Service) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

type walletResponse struct {
	ID                  uuid.UUID `json:"id"`
	UserID              string    `json:"userId"`
	Currency            string    `json:"currency"`
	Category            string    `json:"category"`
	Balance             int64     `json:"balance"`
	BonusBalance        int64     `json:"bonusBalance"`
	LockedBalance       int64     `json:"lockedBalance"`
	LifetimeDeposits    int64     `json:"lifetimeDeposits"`
	LifetimeWithdrawals int64     `json:"lifetimeWithdrawals"`
	LifetimeFees        int64     `json:"lifetimeFees"`
	Status              string    `json:"status"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func toWalletResponse(w *wallet.Wallet) *walletResponse {
	if w == nil {
		return nil
	}
	return &walletResponse{
		ID:                  w.ID,
		UserID:              w.UserID,
		Currency:            w.Currency,
		Category:            w.Category,
		Balance:             w.Balance,
		BonusBalance:        w.BonusBalance,
		LockedBalance:       w.LockedBalance,
		LifetimeDeposits:    w.LifetimeDeposits,
		LifetimeWithdrawals: w.LifetimeWithdrawals,
		LifetimeFees:        w.LifetimeFees,
		Status:              string(w.Status),
		UpdatedAt:           w.UpdatedAt,
	}
}

// GetBalance handles GET /api/v1/wallets/balance
// Query: userId, currency, category (optional).
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondError(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	key := wallet.Key{
		TenantID: tenantID,
		UserID:   q.Get("userId"),
		Currency: q.Get("currency"),
		Category: q.Get("category"),
	}

	res, err := h.wallets.ReadBalance(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, toWalletResponse(res), http.StatusOK)
}

// ListUserBalances handles GET /api/v1/users/{userID}/balances
func (h *WalletHandler) ListUserBalances(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondError(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	userID := chi.URLParam(r, "userID")
	wallets, err := h.wallets.UserBalances(r.Context(), tenantID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]*walletResponse, 0, len(wallets))
	for _, item := range wallets {
		items = append(items, toWalletResponse(item))
	}
	respondJSON(w, map[string]interface{}{"wallets": items}, http.StatusOK)
}

type bulkBalancesRequest struct {
	UserIDs  []string `json:"userIds"`
	Currency string   `json:"currency"`
}

// BulkBalances handles POST /api/v1/wallets/balances/bulk
func (h *WalletHandler) BulkBalances(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondError(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	var body bulkBalancesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.UserIDs) == 0 {
		respondError(w, "userIds is required", http.StatusBadRequest)
		return
	}
	if len(body.UserIDs) > maxBulkUsers {
		respondError(w, "too many users in one request", http.StatusBadRequest)
		return
	}

	wallets, err := h.wallets.BulkBalances(r.Context(), tenantID, body.UserIDs, body.Currency)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]*walletResponse, 0, len(wallets))
	for _, item := range wallets {
		items = append(items, toWalletResponse(item))
	}
	respondJSON(w, map[string]interface{}{"wallets": items}, http.StatusOK)
}
