package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kvantpay/tally/pkg/logger"
)

const tokenIssuer = "tally"

// Claims carries the service-client identity inside a token. TenantID scopes
// every downstream operation; handlers never accept a tenant from the
// request body.
type Claims struct {
	ClientID string `json:"client_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenService authenticates API clients and mints HS256 access tokens.
type TokenService struct {
	store  CredentialStore
	secret []byte
	ttl    time.Duration
	logger *logger.Logger
}

// NewTokenService creates a token service. ttl bounds token lifetime.
func NewTokenService(store CredentialStore, secret string, ttl time.Duration, log *logger.Logger) *TokenService {
	return &TokenService{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		logger: log.WithField("component", "auth"),
	}
}

// IssueToken validates the client credentials and returns a signed token.
// Unknown clients and wrong secrets produce the same error, so a caller
// cannot probe for client ids.
func (s *TokenService) IssueToken(ctx context.Context, clientID, clientSecret string) (string, time.Time, error) {
	if clientID == "" || clientSecret == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}

	cred, err := s.store.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if !cred.Active {
		return "", time.Time{}, ErrCredentialDisabled
	}
	if err := cred.CheckSecret(clientSecret); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		ClientID: cred.ClientID,
		TenantID: cred.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.ClientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	if err := s.store.TouchLastUsed(ctx, cred.ClientID); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to record credential use",
			"client_id", cred.ClientID)
	}

	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject algorithm confusion: only HMAC is acceptable here.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("token missing client identity")
	}
	return claims, nil
}

// RegisterClient creates a credential for a tenant and returns it. Intended
// for provisioning tooling, not the public API surface.
func (s *TokenService) RegisterClient(ctx context.Context, tenantID, clientID, secret, name string) (*Credential, error) {
	cred := &Credential{
		ClientID: clientID,
		TenantID: tenantID,
		Name:     name,
		Active:   true,
	}
	if err := cred.SetSecret(secret); err != nil {
		return nil, err
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}
