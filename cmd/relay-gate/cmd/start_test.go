package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/secret"
	"github.com/Sentinel-Gate/relaygate/internal/config"
	"github.com/Sentinel-Gate/relaygate/internal/domain/auth"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRelayConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Relay: config.RelayConfig{AgentPath: "/events", SelectTimeout: "2s"}}
	cfg.SetDefaults()
	rc := relayConfig(cfg)

	if rc.Link.AgentPath != "/events" || rc.Link.DefaultAgentPort != 8080 {
		t.Errorf("Link = %+v", rc.Link)
	}
	if rc.Link.SelectTimeout != 2*time.Second || rc.ForwardWait != 5*time.Second || rc.LoginTimeout != 5*time.Second {
		t.Errorf("timeouts = %v %v %v", rc.Link.SelectTimeout, rc.ForwardWait, rc.LoginTimeout)
	}
	if !rc.Link.Reconnect.Enabled || rc.Link.Reconnect.MaxAttempts != 5 || rc.Link.Reconnect.MaxDelay != 5*time.Second {
		t.Errorf("Reconnect = %+v", rc.Link.Reconnect)
	}
	if rc.Link.FallbackAttempts != 3 || rc.Link.FallbackMaxDelay != 30*time.Second {
		t.Errorf("fallback = %d %v", rc.Link.FallbackAttempts, rc.Link.FallbackMaxDelay)
	}
}

func TestSeedsFromConfig_ImportsIntoStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tenants := []config.TenantConfig{{
		ID:        "acme",
		Endpoint:  "http://acme.example",
		AuthMode:  "static-key",
		StaticKey: "k",
		Agents:    []config.AgentConfig{{ID: "a1", Password: "p1"}},
	}}
	store := memory.NewTenantStore()
	seeds := seedsFromConfig(tenants)
	if len(seeds) != 1 || len(seeds[0].Agents) != 1 {
		t.Fatalf("seedsFromConfig() = %+v", seeds)
	}
	for _, s := range seeds {
		if err := store.PutTenant(ctx, s.Profile()); err != nil {
			t.Fatal(err)
		}
	}

	p, err := store.Resolve(ctx, "acme")
	if err != nil || p.StaticKey != "k" {
		t.Errorf("Resolve() = %+v, %v", p, err)
	}
}

func TestImportTenantsFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	yml := `
tenants:
  - id: globex
    endpoint: https://globex.example
    auth_mode: static-key
    static_key: gk
    agents:
      - id: g1
        password: gp
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	store := memory.NewTenantStore()
	n, err := importTenantsFile(ctx, path, store)
	if err != nil || n != 1 {
		t.Fatalf("importTenantsFile() = %d, %v", n, err)
	}
	cred, err := store.Find(ctx, "globex", "g1")
	if err != nil || cred == nil || cred.Password != "gp" {
		t.Errorf("Find() = %+v, %v", cred, err)
	}

	if _, err := importTenantsFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"), store); err == nil {
		t.Error("importTenantsFile(missing) succeeded")
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	mem := &config.Config{Store: config.StoreConfig{Driver: "memory"}}
	store, pinger, closeStore, err := openStore(mem, logger)
	if err != nil || store == nil || pinger != nil {
		t.Fatalf("openStore(memory) = %v, %v, %v", store, pinger, err)
	}
	_ = closeStore()

	sq := &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "relay.db")},
		Secrets: config.SecretsConfig{Key: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="},
	}
	store, pinger, closeStore, err = openStore(sq, logger)
	if err != nil {
		t.Fatalf("openStore(sqlite) error = %v", err)
	}
	defer closeStore()
	if pinger == nil {
		t.Fatal("sqlite store has no pinger")
	}
	if err := pinger.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	bad := &config.Config{Store: config.StoreConfig{Driver: "sqlite", SQLitePath: "x.db"}, Secrets: config.SecretsConfig{Key: "short"}}
	if _, _, _, err := openStore(bad, logger); err == nil {
		t.Error("openStore() accepted an invalid key")
	}
}

func TestWatchReload_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchReload(ctx, "", memory.NewTenantStore(), slog.Default())
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchReload() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchReload did not return after cancel")
	}
}

func TestPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "server.pid")
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(missing) = %d", got)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want %d", got, os.Getpid())
	}
	_ = os.WriteFile(path, []byte("garbage"), 0o644)
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d", got)
	}
}

// Not parallel: drives the shared root command.
func TestHashKeyCommand(t *testing.T) {
	t.Cleanup(func() {
		hashKeySHA256 = false
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-key", "--sha256", "my-key"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("hash-key --sha256 error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "sha256:"+auth.HashKey("my-key") {
		t.Errorf("hash-key --sha256 = %q", got)
	}

	hashKeySHA256 = false
	out.Reset()
	rootCmd.SetArgs([]string{"hash-key", "my-key"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("hash-key error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	ok, err := auth.VerifyKey("my-key", hash)
	if err != nil || !ok {
		t.Errorf("VerifyKey(%q) = %v, %v", hash, ok, err)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "relay-gate "+Version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestSealSecretCommand(t *testing.T) {
	t.Cleanup(func() {
		generateKey = false
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"seal-secret", "--generate-key"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("seal-secret --generate-key error = %v", err)
	}
	key := strings.TrimSpace(out.String())
	box, err := secret.NewBoxFromBase64(key)
	if err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}

	generateKey = false
	out.Reset()
	t.Setenv("RELAY_GATE_SECRETS_KEY", key)
	rootCmd.SetArgs([]string{"seal-secret", "s3cret"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("seal-secret error = %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if got, err := box.Open(sealed); err != nil || got != "s3cret" {
		t.Errorf("Open(%q) = %q, %v", sealed, got, err)
	}
}
