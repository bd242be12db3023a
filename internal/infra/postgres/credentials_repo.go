package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvantpay/tally/internal/platform/auth"
)

const constraintCredentialClientID = "service_credentials_client_id_key"

// CredentialRepository implements the credential store using PostgreSQL
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// NewCredentialRepository creates a new PostgreSQL credential repository
func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

const credentialColumns = `id, client_id, tenant_id, secret_hash, name, status, created_at, updated_at, last_used_at`

// Create inserts a credential row
func (r *CredentialRepository) Create(ctx context.Context, cred *auth.Credential) error {
	query := `
		INSERT INTO service_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	now := time.Now().UTC()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err := r.pool.Exec(ctx, query,
		cred.ID,
		cred.ClientID,
		cred.TenantID,
		cred.SecretHash,
		cred.Name,
		credentialStatus(cred.Active),
		cred.CreatedAt,
		cred.UpdatedAt,
		cred.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintCredentialClientID) {
			return fmt.Errorf("credential for client %s already exists", cred.ClientID)
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByClientID retrieves a credential by its client id
func (r *CredentialRepository) GetByClientID(ctx context.Context, clientID string) (*auth.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM service_credentials WHERE client_id = $1`

	var cred auth.Credential
	var status string
	err := r.pool.QueryRow(ctx, query, clientID).Scan(
		&cred.ID,
		&cred.ClientID,
		&cred.TenantID,
		&cred.SecretHash,
		&cred.Name,
		&status,
		&cred.CreatedAt,
		&cred.UpdatedAt,
		&cred.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	cred.Active = status == "active"
	return &cred, nil
}

// TouchLastUsed records a successful authentication
func (r *CredentialRepository) TouchLastUsed(ctx context.Context, clientID string) error {
	query := `
		UPDATE service_credentials
		SET last_used_at = NOW(), updated_at = NOW()
		WHERE client_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, clientID); err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}

func credentialStatus(active bool) string {
	if active {
		return "active"
	}
	return "revoked"
}
