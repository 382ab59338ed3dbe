package tenant

import (
	"context"
	"errors"
)

// ErrTenantNotFound is returned when no profile exists for a tenant id.
var ErrTenantNotFound = errors.New("tenant not found")

// ProfileStore resolves tenant ids to connection parameters.
// This is a port (interface) in the hexagonal architecture.
// Implementations: in-memory (memory package), sqlite (sqlite package).
type ProfileStore interface {
	// Resolve returns the profile for tenantID.
	// Returns ErrTenantNotFound if the tenant does not exist.
	Resolve(ctx context.Context, tenantID string) (*Profile, error)
}

// CredentialStore resolves the login secret for an agent on a tenant.
type CredentialStore interface {
	// Find returns the credential for (tenantID, agentID), or nil with a nil
	// error when none is stored.
	Find(ctx context.Context, tenantID, agentID string) (*AgentCredential, error)
}
