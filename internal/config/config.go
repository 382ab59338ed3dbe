// Package config provides configuration types for the relay gateway.
//
// Configuration comes from relay-gate.yaml and RELAY_GATE_* environment
// variables. Tenants may be declared inline, in a separate tenants file, or
// (with the sqlite store) provisioned directly in the database.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Relay configures link establishment and request waits.
	Relay RelayConfig `yaml:"relay" mapstructure:"relay"`

	// Reconnect configures the transport's native reconnection.
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`

	// Store selects where tenant profiles and agent credentials live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Secrets configures at-rest encryption of stored tenant secrets.
	Secrets SecretsConfig `yaml:"secrets" mapstructure:"secrets"`

	// Tenants declares tenants inline. They are imported into the store at
	// startup.
	Tenants []TenantConfig `yaml:"tenants" mapstructure:"tenants" validate:"omitempty,dive"`

	// Auth configures the API keys front-ends present to open a session.
	// Empty leaves the session endpoint open.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Telemetry configures tracing output.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables verbose logging and accepts any Origin.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address (e.g. "127.0.0.1:8080", ":8080").
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required,hostname_port"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// AllowedOrigins lists browser origins accepted on /ws. "*" accepts any.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`
	// RateLimit limits how often one client address may open a session.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures session admission limiting on /ws.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Rate sessions per Period, with up to Burst opened at once.
	Rate   int    `yaml:"rate" mapstructure:"rate" validate:"min=1"`
	Burst  int    `yaml:"burst" mapstructure:"burst" validate:"min=0"`
	Period string `yaml:"period" mapstructure:"period" validate:"duration"`
}

// RelayConfig configures the relay core.
type RelayConfig struct {
	// DefaultAgentPort is used when a tenant has no port override.
	DefaultAgentPort int `yaml:"default_agent_port" mapstructure:"default_agent_port" validate:"min=1,max=65535"`
	// AgentPath is the agent-manager event channel path.
	AgentPath string `yaml:"agent_path" mapstructure:"agent_path" validate:"startswith=/"`
	// SelectTimeout bounds the wait for a new link to connect.
	SelectTimeout string `yaml:"select_timeout" mapstructure:"select_timeout" validate:"duration"`
	// ForwardWait bounds how long a forward waits for a pending link.
	ForwardWait string `yaml:"forward_wait" mapstructure:"forward_wait" validate:"duration"`
	// LoginTimeout bounds the wait for a login reply.
	LoginTimeout string `yaml:"login_timeout" mapstructure:"login_timeout" validate:"duration"`
	// FallbackAttempts is the number of fresh links tried after native
	// reconnection gives up. 0 disables fallback.
	FallbackAttempts  int    `yaml:"fallback_attempts" mapstructure:"fallback_attempts" validate:"min=0"`
	FallbackBaseDelay string `yaml:"fallback_base_delay" mapstructure:"fallback_base_delay" validate:"duration"`
	FallbackMaxDelay  string `yaml:"fallback_max_delay" mapstructure:"fallback_max_delay" validate:"duration"`
}

// ReconnectConfig configures native transport reconnection.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=0"`
	BaseDelay   string  `yaml:"base_delay" mapstructure:"base_delay" validate:"duration"`
	MaxDelay    string  `yaml:"max_delay" mapstructure:"max_delay" validate:"duration"`
	Jitter      float64 `yaml:"jitter" mapstructure:"jitter" validate:"min=0,max=1"`
}

// StoreConfig selects the tenant store.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"oneof=memory sqlite"`
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	// TenantsFile is an optional YAML file with a top-level tenants list.
	TenantsFile string `yaml:"tenants_file" mapstructure:"tenants_file"`
}

// SecretsConfig configures sealed secrets.
type SecretsConfig struct {
	// Key is a base64 encoded 32-byte key. Required by the sqlite driver.
	Key string `yaml:"key" mapstructure:"key"`
}

// TenantConfig declares one tenant.
type TenantConfig struct {
	ID       string `yaml:"id" mapstructure:"id" validate:"required"`
	Name     string `yaml:"name" mapstructure:"name"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url"`
	// AuthMode is "static-key" or "oauth-client-credentials".
	AuthMode     string        `yaml:"auth_mode" mapstructure:"auth_mode" validate:"required,oneof=static-key oauth-client-credentials"`
	StaticKey    string        `yaml:"static_key" mapstructure:"static_key"`
	PortOverride int           `yaml:"port_override" mapstructure:"port_override" validate:"min=0,max=65535"`
	OAuth        OAuthConfig   `yaml:"oauth" mapstructure:"oauth"`
	Agents       []AgentConfig `yaml:"agents" mapstructure:"agents" validate:"omitempty,dive"`
}

// OAuthConfig holds client-credentials grant settings.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url" mapstructure:"token_url" validate:"omitempty,url"`
	ClientID     string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `yaml:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `yaml:"scopes" mapstructure:"scopes"`
}

// AgentConfig is a stored agent login.
type AgentConfig struct {
	ID       string `yaml:"id" mapstructure:"id" validate:"required"`
	Password string `yaml:"password" mapstructure:"password" validate:"required"`
}

// AuthConfig configures inbound authentication.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig is one accepted API key, stored hashed.
type APIKeyConfig struct {
	// KeyHash is "$argon2id$..." or "sha256:<hex>".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// TraceStdout writes spans to stdout.
	TraceStdout bool `yaml:"trace_stdout" mapstructure:"trace_stdout"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if !viper.IsSet("server.rate_limit.enabled") {
		c.Server.RateLimit.Enabled = true
	}
	if c.Server.RateLimit.Rate == 0 {
		c.Server.RateLimit.Rate = 30
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 10
	}
	if c.Server.RateLimit.Period == "" {
		c.Server.RateLimit.Period = "1m"
	}

	if c.Relay.DefaultAgentPort == 0 {
		c.Relay.DefaultAgentPort = 8080
	}
	if c.Relay.AgentPath == "" {
		c.Relay.AgentPath = "/agents"
	}
	if c.Relay.SelectTimeout == "" {
		c.Relay.SelectTimeout = "15s"
	}
	if c.Relay.ForwardWait == "" {
		c.Relay.ForwardWait = "5s"
	}
	if c.Relay.LoginTimeout == "" {
		c.Relay.LoginTimeout = "5s"
	}
	if !viper.IsSet("relay.fallback_attempts") && c.Relay.FallbackAttempts == 0 {
		c.Relay.FallbackAttempts = 3
	}
	if c.Relay.FallbackBaseDelay == "" {
		c.Relay.FallbackBaseDelay = "1s"
	}
	if c.Relay.FallbackMaxDelay == "" {
		c.Relay.FallbackMaxDelay = "30s"
	}

	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("reconnect.enabled") {
		c.Reconnect.Enabled = true
	}
	if !viper.IsSet("reconnect.max_attempts") && c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.BaseDelay == "" {
		c.Reconnect.BaseDelay = "1s"
	}
	if c.Reconnect.MaxDelay == "" {
		c.Reconnect.MaxDelay = "5s"
	}
	if !viper.IsSet("reconnect.jitter") && c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = 0.5
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "relay-gate.db"
	}
}

// Durations holds the parsed duration settings. Validate guarantees every
// field parses.
type Durations struct {
	SelectTimeout     time.Duration
	ForwardWait       time.Duration
	LoginTimeout      time.Duration
	FallbackBaseDelay time.Duration
	FallbackMaxDelay  time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	AdmissionPeriod   time.Duration
}

// ParsedDurations parses the duration strings of a validated config.
func (c *Config) ParsedDurations() Durations {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return Durations{
		SelectTimeout:     parse(c.Relay.SelectTimeout),
		ForwardWait:       parse(c.Relay.ForwardWait),
		LoginTimeout:      parse(c.Relay.LoginTimeout),
		FallbackBaseDelay: parse(c.Relay.FallbackBaseDelay),
		FallbackMaxDelay:  parse(c.Relay.FallbackMaxDelay),
		ReconnectBase:     parse(c.Reconnect.BaseDelay),
		ReconnectMax:      parse(c.Reconnect.MaxDelay),
		AdmissionPeriod:   parse(c.Server.RateLimit.Period),
	}
}

// APIKeyHashes returns the configured key hashes.
func (c *Config) APIKeyHashes() []string {
	hashes := make([]string, 0, len(c.Auth.APIKeys))
	for _, k := range c.Auth.APIKeys {
		hashes = append(hashes, k.KeyHash)
	}
	return hashes
}
