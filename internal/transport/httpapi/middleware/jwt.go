package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kvantpay/tally/internal/platform/auth"
	"github.com/kvantpay/tally/pkg/logger"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TenantIDKey is the context key for the tenant the caller acts for
	TenantIDKey ContextKey = "tenant_id"
	// ClientIDKey is the context key for the authenticated service client
	ClientIDKey ContextKey = "client_id"
)

// TokenValidator checks a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Auth returns a middleware that validates the bearer token and puts the
// tenant and client identity into the request context. Every route behind it
// is tenant-scoped: handlers read the tenant from the context, never from the
// request body.
func Auth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), TenantIDKey, claims.TenantID)
			ctx = context.WithValue(ctx, ClientIDKey, claims.ClientID)
			// Mirror the tenant into the logger key so request-scoped logs
			// carry it without the handler doing anything.
			ctx = context.WithValue(ctx, logger.TenantIDKey, claims.TenantID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext extracts the tenant ID from the request context
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// ClientFromContext extracts the service client ID from the request context
func ClientFromContext(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(ClientIDKey).(string)
	return clientID, ok && clientID != ""
}
