package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// TokenIssuer exchanges service-client credentials for a bearer token.
type TokenIssuer interface {
	IssueToken(ctx context.Context, clientID, clientSecret string) (string, time.Time, error)
}

// AuthHandler serves the token endpoint for service clients.
type AuthHandler struct {
	tokens TokenIssuer
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tokens TokenIssuer) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueToken handles POST /api/v1/auth/token
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ClientID == "" || body.ClientSecret == "" {
		respondError(w, "clientId and clientSecret are required", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.tokens.IssueToken(r.Context(), body.ClientID, body.ClientSecret)
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}
