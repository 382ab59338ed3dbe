// Package seed reads tenant definitions from YAML and imports them into a
// tenant store.
package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
)

// Tenant is one tenant entry of a seed file or the config file.
type Tenant struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Endpoint     string  `yaml:"endpoint"`
	AuthMode     string  `yaml:"auth_mode"`
	StaticKey    string  `yaml:"static_key"`
	PortOverride int     `yaml:"port_override"`
	OAuth        OAuth   `yaml:"oauth"`
	Agents       []Agent `yaml:"agents"`
}

// OAuth holds client-credentials settings of a seeded tenant.
type OAuth struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Agent is one stored agent credential.
type Agent struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
}

type file struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Writer is implemented by stores that can be seeded.
type Writer interface {
	PutTenant(ctx context.Context, p *tenant.Profile) error
	SetCredential(ctx context.Context, c tenant.AgentCredential) error
}

// Profile converts the seed into a domain profile.
func (t Tenant) Profile() *tenant.Profile {
	return &tenant.Profile{
		ID:        t.ID,
		Name:      t.Name,
		Endpoint:  t.Endpoint,
		AuthMode:  tenant.AuthMode(t.AuthMode),
		StaticKey: t.StaticKey,
		OAuth: tenant.OAuthClient{
			TokenURL:     t.OAuth.TokenURL,
			ClientID:     t.OAuth.ClientID,
			ClientSecret: t.OAuth.ClientSecret,
			Scopes:       append([]string(nil), t.OAuth.Scopes...),
		},
		PortOverride: t.PortOverride,
	}
}

// ReadFile parses a YAML file with a top-level tenants list.
func ReadFile(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file %s: %w", path, err)
	}
	return f.Tenants, nil
}

// Import stores every seeded tenant and its agent credentials in w.
// Duplicate tenant ids are rejected before anything is written.
func Import(ctx context.Context, w Writer, seeds []Tenant) error {
	seen := make(map[string]bool, len(seeds))
	for i, s := range seeds {
		if seen[s.ID] {
			return fmt.Errorf("tenants[%d]: duplicate tenant id %q", i, s.ID)
		}
		seen[s.ID] = true
	}

	for i, s := range seeds {
		if err := w.PutTenant(ctx, s.Profile()); err != nil {
			return fmt.Errorf("tenants[%d]: %w", i, err)
		}
		for j, agent := range s.Agents {
			cred := tenant.AgentCredential{TenantID: s.ID, AgentID: agent.ID, Password: agent.Password}
			if err := w.SetCredential(ctx, cred); err != nil {
				return fmt.Errorf("tenants[%d].agents[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
