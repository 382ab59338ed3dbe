// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
)

type credentialKey struct {
	tenantID string
	agentID  string
}

// TenantStore implements tenant.ProfileStore and tenant.CredentialStore with
// in-memory maps.
// Thread-safe for concurrent access via sync.RWMutex.
// Returns deep copies to prevent external mutation of stored data.
type TenantStore struct {
	profiles    map[string]*tenant.Profile
	credentials map[credentialKey]string
	mu          sync.RWMutex
}

// NewTenantStore creates an empty in-memory tenant store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		profiles:    make(map[string]*tenant.Profile),
		credentials: make(map[credentialKey]string),
	}
}

// Resolve returns the profile for tenantID as a deep copy.
// Returns tenant.ErrTenantNotFound if the tenant does not exist.
func (s *TenantStore) Resolve(ctx context.Context, tenantID string) (*tenant.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[tenantID]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return p.Clone(), nil
}

// Find returns the agent's credential, or nil when none is stored.
func (s *TenantStore) Find(ctx context.Context, tenantID, agentID string) (*tenant.AgentCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pw, ok := s.credentials[credentialKey{tenantID, agentID}]
	if !ok {
		return nil, nil
	}
	return &tenant.AgentCredential{TenantID: tenantID, AgentID: agentID, Password: pw}, nil
}

// List returns all profiles ordered by id.
func (s *TenantStore) List(ctx context.Context) ([]tenant.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]tenant.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PutTenant validates and stores a profile, replacing any existing one with the
// same id. Stores a deep copy.
func (s *TenantStore) PutTenant(ctx context.Context, p *tenant.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("tenant %q: %w", p.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.ID] = p.Clone()
	return nil
}

// DeleteTenant removes a tenant and every credential stored for it.
// Returns tenant.ErrTenantNotFound if the tenant does not exist.
func (s *TenantStore) DeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[tenantID]; !ok {
		return tenant.ErrTenantNotFound
	}
	delete(s.profiles, tenantID)
	for k := range s.credentials {
		if k.tenantID == tenantID {
			delete(s.credentials, k)
		}
	}
	return nil
}

// SetCredential stores an agent's login secret for an existing tenant.
func (s *TenantStore) SetCredential(ctx context.Context, c tenant.AgentCredential) error {
	if c.AgentID == "" {
		return fmt.Errorf("tenant %q: agent id is required", c.TenantID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[c.TenantID]; !ok {
		return tenant.ErrTenantNotFound
	}
	s.credentials[credentialKey{c.TenantID, c.AgentID}] = c.Password
	return nil
}

// Compile-time interface verification.
var (
	_ tenant.ProfileStore    = (*TenantStore)(nil)
	_ tenant.CredentialStore = (*TenantStore)(nil)
)
