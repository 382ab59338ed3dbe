package outbound

import (
	"context"

	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
)

// TokenProvider fetches bearer tokens for tenants using OAuth client
// credentials. Caching is the provider's concern.
type TokenProvider interface {
	AccessToken(ctx context.Context, profile *tenant.Profile) (string, error)
}
