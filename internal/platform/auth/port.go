package auth

import "context"

// CredentialStore persists API client credentials.
type CredentialStore interface {
	Create(ctx context.Context, cred *Credential) error
	GetByClientID(ctx context.Context, clientID string) (*Credential, error)
	// TouchLastUsed records a successful authentication; failures are
	// non-fatal to the login itself.
	TouchLastUsed(ctx context.Context, clientID string) error
}
