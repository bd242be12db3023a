package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid client credentials")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialDisabled = errors.New("credential is disabled")
	ErrSecretTooShort     = errors.New("client secret must be at least 16 characters")
	ErrInvalidClientID    = errors.New("client id is required")
)

// Credential is one API client of one tenant. The secret is stored as a
// bcrypt hash; the plaintext exists only at registration time and in the
// caller's vault.
type Credential struct {
	ID         uuid.UUID
	ClientID   string
	TenantID   string
	SecretHash string
	Name       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// Validate checks the credential fields
func (c *Credential) Validate() error {
	if c.ClientID == "" {
		return ErrInvalidClientID
	}
	if c.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if c.SecretHash == "" {
		return errors.New("secret hash is required")
	}
	return nil
}

// SetSecret hashes and stores the client secret
func (c *Credential) SetSecret(secret string) error {
	if len(secret) < 16 {
		return ErrSecretTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}

	c.SecretHash = string(hash)
	return nil
}

// CheckSecret compares a presented secret against the stored hash
func (c *Credential) CheckSecret(secret string) error {
	err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to check secret: %w", err)
	}
	return nil
}

// Touch updates the last-used timestamp
func (c *Credential) Touch() {
	now := time.Now().UTC()
	c.LastUsedAt = &now
	c.UpdatedAt = now
}
