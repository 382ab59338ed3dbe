// Package tenant contains domain types for remote agent-manager tenants and
// the credentials used to log agents in on a tenant link.
package tenant

import (
	"errors"
	"fmt"
	"net/url"
)

// AuthMode selects how the gateway authorizes a link to a tenant endpoint.
type AuthMode string

const (
	// AuthModeStaticKey sends a configured bearer key.
	AuthModeStaticKey AuthMode = "static-key"
	// AuthModeOAuthClientCredentials fetches a bearer token from the tenant's
	// OAuth token endpoint.
	AuthModeOAuthClientCredentials AuthMode = "oauth-client-credentials"
)

// ErrUnsupportedAuthMode is returned when a profile names an unknown mode.
var ErrUnsupportedAuthMode = errors.New("unsupported authentication mode")

// ErrMissingSecret is returned when the secrets required by the auth mode
// are not configured.
var ErrMissingSecret = errors.New("authentication secret not configured")

// OAuthClient holds client-credentials grant settings.
type OAuthClient struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Profile describes how to reach and authorize against one tenant.
type Profile struct {
	// ID is the tenant identifier selected by front-end sessions.
	ID string
	// Name is the human-readable tenant name.
	Name string
	// Endpoint is the tenant's base URL (e.g. "http://10.0.0.5:3000").
	// Only the scheme and host are used; the port comes from PortOverride
	// or the gateway's default agent port.
	Endpoint string
	// AuthMode selects StaticKey or OAuth.
	AuthMode AuthMode
	// StaticKey is the bearer key for AuthModeStaticKey.
	StaticKey string
	// OAuth configures AuthModeOAuthClientCredentials.
	OAuth OAuthClient
	// PortOverride replaces the default agent port when non-zero.
	PortOverride int
}

// AgentCredential is the secret used to log one agent in on a tenant link.
type AgentCredential struct {
	TenantID string
	AgentID  string
	Password string
}

// Validate checks that the profile has a usable endpoint and that the
// secrets required by its auth mode are present.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(p.Endpoint)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("endpoint is not a valid URL")
	}
	if p.PortOverride < 0 || p.PortOverride > 65535 {
		return fmt.Errorf("port_override must be between 0 and 65535")
	}
	return p.ValidateAuth()
}

// ValidateAuth checks only the auth mode and its secrets.
func (p *Profile) ValidateAuth() error {
	switch p.AuthMode {
	case AuthModeStaticKey:
		if p.StaticKey == "" {
			return fmt.Errorf("%w: static-key mode requires a key", ErrMissingSecret)
		}
	case AuthModeOAuthClientCredentials:
		if p.OAuth.TokenURL == "" || p.OAuth.ClientID == "" || p.OAuth.ClientSecret == "" {
			return fmt.Errorf("%w: oauth-client-credentials mode requires token_url, client_id and client_secret", ErrMissingSecret)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAuthMode, p.AuthMode)
	}
	return nil
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.OAuth.Scopes != nil {
		c.OAuth.Scopes = make([]string, len(p.OAuth.Scopes))
		copy(c.OAuth.Scopes, p.OAuth.Scopes)
	}
	return &c
}
