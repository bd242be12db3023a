package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kvantpay/tally/internal/idempotency"
	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/operations"
	"github.com/kvantpay/tally/internal/platform/auth"
	"github.com/kvantpay/tally/internal/saga"
	apperrors "github.com/kvantpay/tally/internal/shared/errors"
	"github.com/kvantpay/tally/internal/transfer"
	"github.com/kvantpay/tally/internal/wallet"
)

// ErrorResponse is the error envelope every endpoint returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, ErrorResponse{Error: message}, statusCode)
}

// errorStatus maps a domain error to the HTTP status and error code the
// client sees. Business sentinels are checked before the saga wrappers: a
// compensated operation surfaces its cause, not the compensation.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, operations.ErrValidation),
		errors.Is(err, wallet.ErrInvalidKey),
		errors.Is(err, ledger.ErrInvalidAccountIdentity):
		return http.StatusBadRequest, apperrors.ErrCodeValidation

	case errors.Is(err, operations.ErrUnknownRate),
		errors.Is(err, operations.ErrFeeConsumesAmount):
		return http.StatusUnprocessableEntity, apperrors.ErrCodeValidation

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, apperrors.ErrCodeInsufficientFunds

	case errors.Is(err, ledger.ErrCreditLimitExceeded):
		return http.StatusUnprocessableEntity, apperrors.ErrCodeCreditLimitExceeded

	case errors.Is(err, ledger.ErrMismatchedCurrency):
		return http.StatusUnprocessableEntity, apperrors.ErrCodeMismatchedCurrency

	case errors.Is(err, ledger.ErrAccountClosed):
		return http.StatusConflict, apperrors.ErrCodeAccountClosed

	case errors.Is(err, idempotency.ErrDuplicateOperation):
		return http.StatusConflict, apperrors.ErrCodeDuplicateOperation

	case errors.Is(err, ledger.ErrConflictingReplay):
		return http.StatusConflict, apperrors.ErrCodeConflictingReplay

	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound):
		return http.StatusNotFound, apperrors.ErrCodeNotFound

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrCredentialDisabled):
		return http.StatusUnauthorized, apperrors.ErrCodeUnauthorized

	case errors.Is(err, saga.ErrCompensationFailed):
		return http.StatusInternalServerError, apperrors.ErrCodeSagaFailed

	case errors.Is(err, saga.ErrCompensated):
		return http.StatusUnprocessableEntity, apperrors.ErrCodeSagaCompensated

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apperrors.ErrCodeInternal

	default:
		return http.StatusInternalServerError, apperrors.ErrCodeInternal
	}
}

// writeError maps err onto the wire envelope. Internal errors never leak
// their message to the client.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)

	message := err.Error()
	if appErr := apperrors.GetAppError(err); appErr != nil {
		code = appErr.Code
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		message = "internal error"
	}

	respondJSON(w, ErrorResponse{Error: message, Code: code}, status)
}
