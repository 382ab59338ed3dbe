package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sentinel-Gate/relaygate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/inbound/ws"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/oauth"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/secret"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/seed"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/socket"
	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/relaygate/internal/config"
	"github.com/Sentinel-Gate/relaygate/internal/domain/auth"
	"github.com/Sentinel-Gate/relaygate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
	"github.com/Sentinel-Gate/relaygate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the relay gateway.

Front-ends connect to /ws, select a tenant, and exchange events with that
tenant's agent manager through the gateway. Tenants come from the config
file, the optional store.tenants_file, or an existing sqlite database.

Sending SIGHUP re-imports store.tenants_file.

Examples:
  # Start with config file settings
  relay-gate start

  # Start with verbose logging and any Origin accepted
  relay-gate start --dev

  # Start with a specific config file
  relay-gate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, any Origin accepted)")
	rootCmd.AddCommand(startCmd)
}

// tenantStore is what the relay and the seed importer need from a store.
type tenantStore interface {
	tenant.ProfileStore
	tenant.CredentialStore
	seed.Writer
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if cfg.Telemetry.TraceStdout {
		tp, err := service.NewStdoutTracerProvider(os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(reg)

	store, pinger, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	if err := seed.Import(ctx, store, seedsFromConfig(cfg.Tenants)); err != nil {
		return fmt.Errorf("failed to import config tenants: %w", err)
	}
	if len(cfg.Tenants) > 0 {
		logger.Info("imported tenants from config", "count", len(cfg.Tenants))
	}
	if path := cfg.Store.TenantsFile; path != "" {
		n, err := importTenantsFile(ctx, path, store)
		if err != nil {
			return fmt.Errorf("failed to import tenants file: %w", err)
		}
		logger.Info("imported tenants file", "file", path, "count", n)
	}

	relay := service.NewRelayService(relayConfig(cfg), service.Dependencies{
		Profiles:    store,
		Credentials: store,
		Transport:   socket.NewTransport(logger),
		Tokens:      oauth.NewProvider(logger),
		Metrics:     metrics,
	}, logger)
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("relay close failed", "error", err)
		}
	}()

	verifier, err := auth.NewKeyVerifier(cfg.APIKeyHashes())
	if err != nil {
		return fmt.Errorf("invalid auth.api_keys: %w", err)
	}
	if verifier.Open() {
		logger.Warn("no API keys configured, session endpoint accepts any client")
	}

	sessions := ws.NewServer(relay, verifier, ws.Config{AllowedOrigins: cfg.Server.AllowedOrigins}, logger)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(http.NewHealthChecker(relay, pinger, Version)),
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		limiter := memory.NewAdmissionLimiter(5*time.Minute, time.Hour, logger)
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
		opts = append(opts, http.WithAdmissionLimit(limiter, ratelimit.Policy{
			Rate:   rl.Rate,
			Burst:  rl.Burst,
			Period: cfg.ParsedDurations().AdmissionPeriod,
		}))
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	server := http.NewServer(sessions, reg, opts...)

	logger.Info("starting relay-gate",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"reconnect", cfg.Reconnect.Enabled,
		"rate_limit", cfg.Server.RateLimit.Enabled,
		"dev_mode", cfg.DevMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return watchReload(gctx, cfg.Store.TenantsFile, store, logger)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("relay-gate stopped")
	return nil
}

// openStore opens the configured tenant store. pinger is nil for the
// memory store.
func openStore(cfg *config.Config, logger *slog.Logger) (tenantStore, http.Pinger, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		box, err := secret.NewBoxFromBase64(cfg.Secrets.Key)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid secrets.key: %w", err)
		}
		s, err := sqlite.Open(cfg.Store.SQLitePath, box, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, s, s.Close, nil
	case "memory", "":
		return memory.NewTenantStore(), nil, func() error { return nil }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// importTenantsFile seeds store from a YAML tenants file and returns the
// number of tenants imported.
func importTenantsFile(ctx context.Context, path string, store seed.Writer) (int, error) {
	seeds, err := seed.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := seed.Import(ctx, store, seeds); err != nil {
		return 0, err
	}
	return len(seeds), nil
}

// watchReload re-imports the tenants file on each reload signal until ctx
// is done. A failed reload is logged and keeps the previous tenants.
func watchReload(ctx context.Context, path string, store seed.Writer, logger *slog.Logger) error {
	sigs := reloadSignals()
	if path == "" || len(sigs) == 0 {
		<-ctx.Done()
		return nil
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			n, err := importTenantsFile(ctx, path, store)
			if err != nil {
				logger.Error("tenants reload failed", "file", path, "error", err)
				continue
			}
			logger.Info("tenants reloaded", "file", path, "count", n)
		}
	}
}

// seedsFromConfig converts inline config tenants to seed entries.
func seedsFromConfig(tenants []config.TenantConfig) []seed.Tenant {
	seeds := make([]seed.Tenant, 0, len(tenants))
	for _, t := range tenants {
		s := seed.Tenant{
			ID:           t.ID,
			Name:         t.Name,
			Endpoint:     t.Endpoint,
			AuthMode:     t.AuthMode,
			StaticKey:    t.StaticKey,
			PortOverride: t.PortOverride,
			OAuth: seed.OAuth{
				TokenURL:     t.OAuth.TokenURL,
				ClientID:     t.OAuth.ClientID,
				ClientSecret: t.OAuth.ClientSecret,
				Scopes:       t.OAuth.Scopes,
			},
		}
		for _, a := range t.Agents {
			s.Agents = append(s.Agents, seed.Agent{ID: a.ID, Password: a.Password})
		}
		seeds = append(seeds, s)
	}
	return seeds
}

// relayConfig maps a validated config onto the relay core settings.
func relayConfig(cfg *config.Config) service.RelayConfig {
	d := cfg.ParsedDurations()
	return service.RelayConfig{
		Link: service.LinkConfig{
			DefaultAgentPort: cfg.Relay.DefaultAgentPort,
			AgentPath:        cfg.Relay.AgentPath,
			SelectTimeout:    d.SelectTimeout,
			Reconnect: outbound.ReconnectPolicy{
				Enabled:     cfg.Reconnect.Enabled,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
				BaseDelay:   d.ReconnectBase,
				MaxDelay:    d.ReconnectMax,
				Jitter:      cfg.Reconnect.Jitter,
			},
			FallbackAttempts:  cfg.Relay.FallbackAttempts,
			FallbackBaseDelay: d.FallbackBaseDelay,
			FallbackMaxDelay:  d.FallbackMaxDelay,
		},
		ForwardWait:  d.ForwardWait,
		LoginTimeout: d.LoginTimeout,
	}
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
