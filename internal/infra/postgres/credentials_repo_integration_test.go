//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/infra/postgres"
	"github.com/kvantpay/tally/internal/platform/auth"
	"github.com/kvantpay/tally/testutil/testdb"
)

var testDB *testdb.TestDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testDB, err = testdb.NewTestDB(ctx)
	if err != nil {
		panic("failed to create test database: " + err.Error())
	}

	code := m.Run()

	testDB.Close(ctx)
	if code != 0 {
		panic("tests failed")
	}
}

func newCredential(t *testing.T, clientID string) *auth.Credential {
	t.Helper()
	cred := &auth.Credential{
		ClientID: clientID,
		TenantID: "acme",
		Name:     "payments backend",
		Active:   true,
	}
	require.NoError(t, cred.SetSecret("0123456789abcdef"))
	return cred
}

func TestCredentialRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))
	repo := postgres.NewCredentialRepository(testDB.Pool)

	cred := newCredential(t, "svc-payments")
	require.NoError(t, repo.Create(ctx, cred))
	assert.NotZero(t, cred.ID)

	got, err := repo.GetByClientID(ctx, "svc-payments")
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastUsedAt)
	require.NoError(t, got.CheckSecret("0123456789abcdef"))
}

func TestCredentialRepository_DuplicateClientID(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))
	repo := postgres.NewCredentialRepository(testDB.Pool)

	require.NoError(t, repo.Create(ctx, newCredential(t, "svc-payments")))
	err := repo.Create(ctx, newCredential(t, "svc-payments"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCredentialRepository_GetUnknown(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))
	repo := postgres.NewCredentialRepository(testDB.Pool)

	_, err := repo.GetByClientID(ctx, "ghost")
	assert.ErrorIs(t, err, auth.ErrCredentialNotFound)
}

func TestCredentialRepository_TouchLastUsed(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))
	repo := postgres.NewCredentialRepository(testDB.Pool)

	cred := newCredential(t, "svc-payments")
	require.NoError(t, repo.Create(ctx, cred))
	require.NoError(t, repo.TouchLastUsed(ctx, cred.ID))

	got, err := repo.GetByClientID(ctx, "svc-payments")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
}
