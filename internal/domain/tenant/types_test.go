package tenant

import (
	"errors"
	"testing"
)

func TestProfile_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile Profile
		wantErr error
		errText bool
	}{
		{
			name:    "static key ok",
			profile: Profile{ID: "t1", Endpoint: "http://h:3000", AuthMode: AuthModeStaticKey, StaticKey: "k"},
		},
		{
			name: "oauth ok",
			profile: Profile{ID: "t1", Endpoint: "https://h", AuthMode: AuthModeOAuthClientCredentials,
				OAuth: OAuthClient{TokenURL: "https://idp/token", ClientID: "c", ClientSecret: "s"}},
		},
		{
			name:    "static key missing",
			profile: Profile{ID: "t1", Endpoint: "http://h", AuthMode: AuthModeStaticKey},
			wantErr: ErrMissingSecret,
		},
		{
			name:    "oauth missing secret",
			profile: Profile{ID: "t1", Endpoint: "http://h", AuthMode: AuthModeOAuthClientCredentials, OAuth: OAuthClient{TokenURL: "x", ClientID: "c"}},
			wantErr: ErrMissingSecret,
		},
		{
			name:    "unknown mode",
			profile: Profile{ID: "t1", Endpoint: "http://h", AuthMode: "kerberos"},
			wantErr: ErrUnsupportedAuthMode,
		},
		{
			name:    "missing endpoint",
			profile: Profile{ID: "t1", AuthMode: AuthModeStaticKey, StaticKey: "k"},
			errText: true,
		},
		{
			name:    "bad port",
			profile: Profile{ID: "t1", Endpoint: "http://h", AuthMode: AuthModeStaticKey, StaticKey: "k", PortOverride: 70000},
			errText: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.profile.Validate()
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
				}
			case tt.errText:
				if err == nil {
					t.Error("Validate() error = nil, want error")
				}
			default:
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
			}
		})
	}
}

func TestProfile_Clone(t *testing.T) {
	p := &Profile{ID: "t1", OAuth: OAuthClient{Scopes: []string{"agents"}}}
	c := p.Clone()
	c.OAuth.Scopes[0] = "changed"
	if p.OAuth.Scopes[0] != "agents" {
		t.Errorf("Clone() shares scopes slice with original")
	}
}

func TestLinkURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		override int
		path     string
		want     string
	}{
		{name: "default port replaces endpoint port", endpoint: "http://h:3000", want: "http://h:8080/agents"},
		{name: "port override", endpoint: "http://h:3000", override: 9000, want: "http://h:9000/agents"},
		{name: "https kept", endpoint: "https://agents.example.com", want: "https://agents.example.com:8080/agents"},
		{name: "ws normalized", endpoint: "ws://h", want: "http://h:8080/agents"},
		{name: "wss normalized", endpoint: "wss://h", want: "https://h:8080/agents"},
		{name: "no scheme", endpoint: "10.0.0.5", want: "http://10.0.0.5:8080/agents"},
		{name: "endpoint path dropped", endpoint: "http://h/api/v1", want: "http://h:8080/agents"},
		{name: "custom path", endpoint: "http://h", path: "socket", want: "http://h:8080/socket"},
		{name: "ipv6 host", endpoint: "http://[::1]:3000", want: "http://[::1]:8080/agents"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Profile{Endpoint: tt.endpoint, PortOverride: tt.override}
			got, err := LinkURL(p, 8080, tt.path)
			if err != nil {
				t.Fatalf("LinkURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LinkURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLinkURL_Errors(t *testing.T) {
	for _, endpoint := range []string{"ftp://h", "http://"} {
		if _, err := LinkURL(&Profile{Endpoint: endpoint}, 8080, ""); err == nil {
			t.Errorf("LinkURL(%q) error = nil, want error", endpoint)
		}
	}
}
