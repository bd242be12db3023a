package auth_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/platform/auth"
	"github.com/kvantpay/tally/pkg/logger"
)

const testSecretKey = "test-secret-key-minimum-32-characters-long"

type memCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*auth.Credential
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{creds: make(map[string]*auth.Credential)}
}

func (s *memCredentialStore) Create(ctx context.Context, cred *auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.creds[cred.ClientID] = &cp
	return nil
}

func (s *memCredentialStore) GetByClientID(ctx context.Context, clientID string) (*auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[clientID]
	if !ok {
		return nil, auth.ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *memCredentialStore) TouchLastUsed(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[clientID]; ok {
		cred.Touch()
	}
	return nil
}

func newTokenService(t *testing.T) (*auth.TokenService, *memCredentialStore) {
	t.Helper()
	store := newMemCredentialStore()
	svc := auth.NewTokenService(store, testSecretKey, 15*time.Minute, logger.New("test", io.Discard))
	return svc, store
}

func registerClient(t *testing.T, svc *auth.TokenService, tenantID, clientID, secret string) {
	t.Helper()
	_, err := svc.RegisterClient(context.Background(), tenantID, clientID, secret, "test client")
	require.NoError(t, err)
}

func TestTokenService_IssueAndValidate(t *testing.T) {
	svc, store := newTokenService(t)
	ctx := context.Background()
	registerClient(t, svc, "acme", "acme-api", "super-secret-client-key")

	token, expiresAt, err := svc.IssueToken(ctx, "acme-api", "super-secret-client-key")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acme-api", claims.ClientID)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "tally", claims.Issuer)

	// Successful auth stamps the credential.
	cred, err := store.GetByClientID(ctx, "acme-api")
	require.NoError(t, err)
	assert.NotNil(t, cred.LastUsedAt)
}

func TestTokenService_WrongSecret(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()
	registerClient(t, svc, "acme", "acme-api", "super-secret-client-key")

	_, _, err := svc.IssueToken(ctx, "acme-api", "not-the-right-secret")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTokenService_UnknownClientIndistinguishable(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	_, _, err := svc.IssueToken(ctx, "ghost", "whatever-secret-here")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTokenService_DisabledClient(t *testing.T) {
	svc, store := newTokenService(t)
	ctx := context.Background()
	registerClient(t, svc, "acme", "acme-api", "super-secret-client-key")

	store.mu.Lock()
	store.creds["acme-api"].Active = false
	store.mu.Unlock()

	_, _, err := svc.IssueToken(ctx, "acme-api", "super-secret-client-key")
	assert.ErrorIs(t, err, auth.ErrCredentialDisabled)
}

func TestTokenService_RejectsForeignToken(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()
	registerClient(t, svc, "acme", "acme-api", "super-secret-client-key")

	token, _, err := svc.IssueToken(ctx, "acme-api", "super-secret-client-key")
	require.NoError(t, err)

	other := auth.NewTokenService(newMemCredentialStore(), "another-secret-key-32-characters-xx", 15*time.Minute, logger.New("test", io.Discard))
	_, err = other.ValidateToken(token)
	assert.Error(t, err)

	_, err = svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestCredential_SecretRules(t *testing.T) {
	var cred auth.Credential
	assert.ErrorIs(t, cred.SetSecret("short"), auth.ErrSecretTooShort)

	require.NoError(t, cred.SetSecret("long-enough-secret-value"))
	assert.NotEmpty(t, cred.SecretHash)
	assert.NotContains(t, cred.SecretHash, "long-enough-secret-value")

	require.NoError(t, cred.CheckSecret("long-enough-secret-value"))
	assert.ErrorIs(t, cred.CheckSecret("wrong"), auth.ErrInvalidCredentials)
}
