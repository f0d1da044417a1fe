package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// MigrationManager handles database schema migrations
type MigrationManager struct {
	db *sql.DB
}

// Migration represents a database migration
type Migration struct {
	Version    int
	Name       string
	UpScript   string
	DownScript string
	ExecutedAt *time.Time
}

func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// InitializeMigrationTable creates the migrations tracking table
func (m *MigrationManager) InitializeMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			executed_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`)
	return err
}

// GetAppliedMigrations returns all applied migrations
func (m *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, name, executed_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var migration Migration
		if err := rows.Scan(&migration.Version, &migration.Name, &migration.ExecutedAt); err != nil {
			return nil, err
		}
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

// ApplyMigration applies a single migration
func (m *MigrationManager) ApplyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.UpScript); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		migration.Version, migration.Name, checksum(migration.UpScript))
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RollbackMigration rolls back a migration
func (m *MigrationManager) RollbackMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.DownScript); err != nil {
		return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// GetPendingMigrations returns migrations that haven't been applied
func (m *MigrationManager) GetPendingMigrations(ctx context.Context, all []Migration) ([]Migration, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[int]bool, len(applied))
	for _, migration := range applied {
		done[migration.Version] = true
	}

	var pending []Migration
	for _, migration := range all {
		if !done[migration.Version] {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate brings the schema up to date and returns the versions it applied.
func (m *MigrationManager) Migrate(ctx context.Context) ([]int, error) {
	if err := m.InitializeMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	pending, err := m.GetPendingMigrations(ctx, GetAllMigrations())
	if err != nil {
		return nil, err
	}
	var applied []int
	for _, migration := range pending {
		if err := m.ApplyMigration(ctx, migration); err != nil {
			return applied, err
		}
		applied = append(applied, migration.Version)
	}
	return applied, nil
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// GetAllMigrations returns all available migrations
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "client_registry",
			UpScript: `
				CREATE TABLE IF NOT EXISTS clients (
					id VARCHAR(255) PRIMARY KEY,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					type VARCHAR(20) NOT NULL,
					consent_type VARCHAR(20) NOT NULL DEFAULT 'explicit',
					secret_hash TEXT NOT NULL DEFAULT '',
					permissions TEXT[] NOT NULL DEFAULT '{}',
					redirect_uris TEXT[] NOT NULL DEFAULT '{}',
					post_logout_redirect_uris TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS scopes (
					name VARCHAR(255) PRIMARY KEY,
					description TEXT NOT NULL DEFAULT '',
					resources TEXT[] NOT NULL DEFAULT '{}'
				);
			`,
			DownScript: `
				DROP TABLE IF EXISTS scopes;
				DROP TABLE IF EXISTS clients;
			`,
		},
		{
			Version: 2,
			Name:    "grant_store",
			UpScript: `
				CREATE TABLE IF NOT EXISTS authorization_codes (
					code_hash VARCHAR(64) PRIMARY KEY,
					client_id VARCHAR(255) NOT NULL,
					subject VARCHAR(255) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					redirect_uri TEXT NOT NULL,
					code_challenge VARCHAR(128) NOT NULL DEFAULT '',
					code_challenge_method VARCHAR(10) NOT NULL DEFAULT '',
					nonce TEXT NOT NULL DEFAULT '',
					auth_time TIMESTAMPTZ NOT NULL,
					lineage VARCHAR(64) NOT NULL DEFAULT '',
					consumed BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS device_sessions (
					device_code_hash VARCHAR(64) PRIMARY KEY,
					user_code VARCHAR(16) UNIQUE NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					subject VARCHAR(255) NOT NULL DEFAULT '',
					auth_time TIMESTAMPTZ,
					interval_seconds INTEGER NOT NULL DEFAULT 5,
					last_polled_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS refresh_tokens (
					token_hash VARCHAR(64) PRIMARY KEY,
					lineage VARCHAR(64) NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					subject VARCHAR(255) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					auth_time TIMESTAMPTZ NOT NULL,
					consumed BOOLEAN NOT NULL DEFAULT FALSE,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS authorizations (
					id UUID PRIMARY KEY,
					subject VARCHAR(255) NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					status VARCHAR(20) NOT NULL,
					type VARCHAR(20) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				);
			`,
			DownScript: `
				DROP TABLE IF EXISTS authorizations;
				DROP TABLE IF EXISTS refresh_tokens;
				DROP TABLE IF EXISTS device_sessions;
				DROP TABLE IF EXISTS authorization_codes;
			`,
		},
		{
			Version: 3,
			Name:    "grant_store_indexes",
			UpScript: `
				CREATE INDEX IF NOT EXISTS idx_authorization_codes_expires_at ON authorization_codes(expires_at);
				CREATE INDEX IF NOT EXISTS idx_device_sessions_expires_at ON device_sessions(expires_at);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_lineage ON refresh_tokens(lineage);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_active ON refresh_tokens(token_hash) WHERE revoked = FALSE;
				CREATE INDEX IF NOT EXISTS idx_authorizations_subject_client ON authorizations(subject, client_id);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_authorizations_permanent
					ON authorizations(subject, client_id) WHERE type = 'permanent' AND status = 'valid';
			`,
			DownScript: `
				DROP INDEX IF EXISTS idx_authorizations_permanent;
				DROP INDEX IF EXISTS idx_authorizations_subject_client;
				DROP INDEX IF EXISTS idx_refresh_tokens_active;
				DROP INDEX IF EXISTS idx_refresh_tokens_lineage;
				DROP INDEX IF EXISTS idx_device_sessions_expires_at;
				DROP INDEX IF EXISTS idx_authorization_codes_expires_at;
			`,
		},
	}
}
