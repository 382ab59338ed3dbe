// Package sqlite provides tenant profile and agent credential stores backed
// by SQLite (modernc.org/sqlite). Secrets are stored sealed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		endpoint            TEXT NOT NULL,
		auth_mode           TEXT NOT NULL,
		static_key          TEXT NOT NULL DEFAULT '',
		oauth_token_url     TEXT NOT NULL DEFAULT '',
		oauth_client_id     TEXT NOT NULL DEFAULT '',
		oauth_client_secret TEXT NOT NULL DEFAULT '',
		oauth_scopes        TEXT NOT NULL DEFAULT '',
		port_override       INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_credentials (
		tenant_id  TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		password   TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, agent_id),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
`

// Store implements tenant.ProfileStore and tenant.CredentialStore.
type Store struct {
	db      *sql.DB
	secrets outbound.SecretStore
	logger  *slog.Logger
}

// Open opens (creating if needed) the database at path. secrets seals
// static keys, OAuth client secrets and agent passwords.
func Open(path string, secrets outbound.SecretStore, logger *slog.Logger) (*Store, error) {
	if secrets == nil {
		return nil, errors.New("sqlite store requires a secret store")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, secrets: secrets, logger: logger}
	logger.Info("sqlite tenant store initialized", "path", path)
	return s, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Resolve returns the profile for tenantID with its secrets opened.
// Returns tenant.ErrTenantNotFound if the tenant does not exist.
func (s *Store) Resolve(ctx context.Context, tenantID string) (*tenant.Profile, error) {
	query := `
		SELECT id, name, endpoint, auth_mode, static_key, oauth_token_url,
		       oauth_client_id, oauth_client_secret, oauth_scopes, port_override
		FROM tenants
		WHERE id = ?
	`

	var p tenant.Profile
	var authMode, staticKey, clientSecret, scopes string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&p.ID,
		&p.Name,
		&p.Endpoint,
		&authMode,
		&staticKey,
		&p.OAuth.TokenURL,
		&p.OAuth.ClientID,
		&clientSecret,
		&scopes,
		&p.PortOverride,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	p.AuthMode = tenant.AuthMode(authMode)
	if scopes != "" {
		p.OAuth.Scopes = strings.Fields(scopes)
	}
	if p.StaticKey, err = s.open(staticKey); err != nil {
		return nil, fmt.Errorf("tenant %s static key: %w", tenantID, err)
	}
	if p.OAuth.ClientSecret, err = s.open(clientSecret); err != nil {
		return nil, fmt.Errorf("tenant %s client secret: %w", tenantID, err)
	}
	return &p, nil
}

// Find returns the agent's credential, or nil when none is stored.
func (s *Store) Find(ctx context.Context, tenantID, agentID string) (*tenant.AgentCredential, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx,
		`SELECT password FROM agent_credentials WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	pw, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credential %s/%s: %w", tenantID, agentID, err)
	}
	return &tenant.AgentCredential{TenantID: tenantID, AgentID: agentID, Password: pw}, nil
}

// PutTenant validates and inserts or replaces a tenant profile.
func (s *Store) PutTenant(ctx context.Context, p *tenant.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("tenant %q: %w", p.ID, err)
	}
	staticKey, err := s.seal(p.StaticKey)
	if err != nil {
		return err
	}
	clientSecret, err := s.seal(p.OAuth.ClientSecret)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO tenants (id, name, endpoint, auth_mode, static_key, oauth_token_url,
		                     oauth_client_id, oauth_client_secret, oauth_scopes, port_override,
		                     created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoint = excluded.endpoint,
			auth_mode = excluded.auth_mode,
			static_key = excluded.static_key,
			oauth_token_url = excluded.oauth_token_url,
			oauth_client_id = excluded.oauth_client_id,
			oauth_client_secret = excluded.oauth_client_secret,
			oauth_scopes = excluded.oauth_scopes,
			port_override = excluded.port_override,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.Endpoint,
		string(p.AuthMode),
		staticKey,
		p.OAuth.TokenURL,
		p.OAuth.ClientID,
		clientSecret,
		strings.Join(p.OAuth.Scopes, " "),
		p.PortOverride,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}
	s.logger.Debug("stored tenant", "tenant_id", p.ID)
	return nil
}

// DeleteTenant removes a tenant and its credentials.
// Returns tenant.ErrTenantNotFound if the tenant does not exist.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_credentials WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrTenantNotFound
	}
	return tx.Commit()
}

// SetCredential stores an agent password for an existing tenant.
func (s *Store) SetCredential(ctx context.Context, c tenant.AgentCredential) error {
	if c.AgentID == "" {
		return fmt.Errorf("tenant %q: agent id is required", c.TenantID)
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants WHERE id = ?`, c.TenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("querying tenant: %w", err)
	}
	if exists == 0 {
		return tenant.ErrTenantNotFound
	}

	sealed, err := s.seal(c.Password)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_credentials (tenant_id, agent_id, password, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, agent_id) DO UPDATE SET
			password = excluded.password,
			updated_at = excluded.updated_at
	`, c.TenantID, c.AgentID, sealed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// seal leaves empty values empty so unset secrets stay recognizable.
func (s *Store) seal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	sealed, err := s.secrets.Seal(v)
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return s.secrets.Open(v)
}

// Compile-time interface verification.
var (
	_ tenant.ProfileStore    = (*Store)(nil)
	_ tenant.CredentialStore = (*Store)(nil)
)
