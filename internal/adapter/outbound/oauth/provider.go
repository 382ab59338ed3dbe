// Package oauth implements outbound.TokenProvider with the OAuth2
// client-credentials grant.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

const defaultTimeout = 10 * time.Second

// Provider caches one token source per tenant. A source is rebuilt when the
// tenant's client settings change.
type Provider struct {
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	fingerprint uint64
	source      oauth2.TokenSource
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used to reach token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates a token provider.
func NewProvider(logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
		sources: make(map[string]cachedSource),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AccessToken returns a valid bearer token for the tenant, fetching a new
// one when the cached token has expired.
func (p *Provider) AccessToken(ctx context.Context, profile *tenant.Profile) (string, error) {
	if profile.AuthMode != tenant.AuthModeOAuthClientCredentials {
		return "", fmt.Errorf("%w: %q is not oauth", tenant.ErrUnsupportedAuthMode, profile.AuthMode)
	}
	if err := profile.ValidateAuth(); err != nil {
		return "", err
	}

	tok, err := p.source(profile).Token()
	if err != nil {
		// The cached source holds the failure; drop it so the next call retries.
		p.forget(profile.ID)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", fmt.Errorf("token endpoint returned %d: %w", re.Response.StatusCode, err)
		}
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("token endpoint returned an empty access token")
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached source for tenantID.
func (p *Provider) Invalidate(tenantID string) {
	p.forget(tenantID)
}

func (p *Provider) source(profile *tenant.Profile) oauth2.TokenSource {
	fp := fingerprint(profile.OAuth)

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.sources[profile.ID]; ok && c.fingerprint == fp {
		return c.source
	}

	cfg := clientcredentials.Config{
		ClientID:     profile.OAuth.ClientID,
		ClientSecret: profile.OAuth.ClientSecret,
		TokenURL:     profile.OAuth.TokenURL,
		Scopes:       profile.OAuth.Scopes,
	}
	// The source outlives the caller's ctx; only the HTTP client is taken from it.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.client)
	src := oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
	p.sources[profile.ID] = cachedSource{fingerprint: fp, source: src}
	p.logger.Debug("created oauth token source", "tenant_id", profile.ID, "token_url", cfg.TokenURL)
	return src
}

func (p *Provider) forget(tenantID string) {
	p.mu.Lock()
	delete(p.sources, tenantID)
	p.mu.Unlock()
}

func fingerprint(c tenant.OAuthClient) uint64 {
	d := xxhash.New()
	for _, s := range []string{c.TokenURL, c.ClientID, c.ClientSecret, strings.Join(c.Scopes, " ")} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Compile-time interface verification.
var _ outbound.TokenProvider = (*Provider)(nil)
