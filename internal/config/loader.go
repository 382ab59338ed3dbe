package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for relay-gate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is
// never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Without search paths ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as "env vars only".
		viper.SetConfigName("relay-gate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: RELAY_GATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("RELAY_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ., $HOME/.relay-gate and /etc/relay-gate.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".relay-gate"),
		"/etc/relay-gate",
	})
}

// findConfigFileInPaths searches the given directories for relay-gate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "relay-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar keys so RELAY_GATE_* variables override
// them even when the config file omits the key. Lists (tenants,
// auth.api_keys, server.allowed_origins) belong in the file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.tls_cert_file",
		"server.tls_key_file",
		"server.rate_limit.enabled",
		"server.rate_limit.rate",
		"server.rate_limit.burst",
		"server.rate_limit.period",

		"relay.default_agent_port",
		"relay.agent_path",
		"relay.select_timeout",
		"relay.forward_wait",
		"relay.login_timeout",
		"relay.fallback_attempts",
		"relay.fallback_base_delay",
		"relay.fallback_max_delay",

		"reconnect.enabled",
		"reconnect.max_attempts",
		"reconnect.base_delay",
		"reconnect.max_delay",
		"reconnect.jitter",

		"store.driver",
		"store.sqlite_path",
		"store.tenants_file",

		"secrets.key",
		"telemetry.trace_stdout",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
