package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the gateway's validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts time.ParseDuration strings greater than zero.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateKeyHash accepts "$argon2id$..." and "sha256:<64 hex chars>".
func validateKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	switch {
	case strings.HasPrefix(h, "$argon2id$"):
		return strings.Count(h, "$") == 5
	case strings.HasPrefix(h, "sha256:"):
		hexPart := strings.TrimPrefix(h, "sha256:")
		if len(hexPart) != 64 {
			return false
		}
		for _, r := range hexPart {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, check := range []func() error{
		c.validateStore,
		c.validateSecretKey,
		c.validateTLS,
		c.validateDelays,
		c.validateTenants,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// validateStore ensures the sqlite driver has a path and an encryption key.
func (c *Config) validateStore() error {
	if c.Store.Driver != "sqlite" {
		return nil
	}
	if c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required when store.driver is sqlite")
	}
	if c.Secrets.Key == "" {
		return errors.New("secrets.key is required when store.driver is sqlite (generate one with: relay-gate seal-secret --generate-key)")
	}
	return nil
}

// validateSecretKey ensures a configured key decodes to 32 bytes.
func (c *Config) validateSecretKey() error {
	if c.Secrets.Key == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Secrets.Key))
	if err != nil {
		return fmt.Errorf("secrets.key must be standard base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("secrets.key must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// validateTLS ensures certificate and key are set together.
func (c *Config) validateTLS() error {
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// validateDelays ensures every max delay is at least its base delay.
func (c *Config) validateDelays() error {
	d := c.ParsedDurations()
	if d.ReconnectMax < d.ReconnectBase {
		return fmt.Errorf("reconnect.max_delay (%s) must be >= reconnect.base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if d.FallbackMaxDelay < d.FallbackBaseDelay {
		return fmt.Errorf("relay.fallback_max_delay (%s) must be >= relay.fallback_base_delay (%s)", c.Relay.FallbackMaxDelay, c.Relay.FallbackBaseDelay)
	}
	return nil
}

// validateTenants checks id uniqueness and that each tenant carries the
// secrets its auth mode needs.
func (c *Config) validateTenants() error {
	seen := make(map[string]int, len(c.Tenants))
	for i, t := range c.Tenants {
		if j, dup := seen[t.ID]; dup {
			return fmt.Errorf("tenants[%d]: duplicate tenant id %q (first defined at tenants[%d])", i, t.ID, j)
		}
		seen[t.ID] = i

		switch t.AuthMode {
		case "static-key":
			if t.StaticKey == "" {
				return fmt.Errorf("tenants[%d] (%s): static-key mode requires static_key", i, t.ID)
			}
		case "oauth-client-credentials":
			if t.OAuth.TokenURL == "" || t.OAuth.ClientID == "" || t.OAuth.ClientSecret == "" {
				return fmt.Errorf("tenants[%d] (%s): oauth-client-credentials mode requires oauth.token_url, oauth.client_id and oauth.client_secret", i, t.ID)
			}
		}

		agents := make(map[string]bool, len(t.Agents))
		for j, a := range t.Agents {
			if agents[a.ID] {
				return fmt.Errorf("tenants[%d].agents[%d]: duplicate agent id %q", i, j, a.ID)
			}
			agents[a.ID] = true
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"5s\" or \"1m\"", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or 'sha256:<hex>' (see relay-gate hash-key)", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
