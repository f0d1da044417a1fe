package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresRegistry reads clients and scopes from the tables created by db.Migrate.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) GetClient(ctx context.Context, id string) (*Client, error) {
	query := `SELECT id, display_name, type, consent_type, secret_hash, permissions, redirect_uris, post_logout_redirect_uris
			  FROM clients WHERE id = $1`

	c := &Client{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.DisplayName, &c.Type, &c.ConsentType, &c.SecretHash,
		pq.Array(&c.Permissions), pq.Array(&c.RedirectURIs), pq.Array(&c.PostLogoutRedirectURIs),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *PostgresRegistry) GetScopes(ctx context.Context, names []string) ([]*Scope, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return r.queryScopes(ctx, `SELECT name, description, resources FROM scopes WHERE name = ANY($1) ORDER BY name`, pq.Array(names))
}

func (r *PostgresRegistry) ListScopes(ctx context.Context) ([]*Scope, error) {
	return r.queryScopes(ctx, `SELECT name, description, resources FROM scopes ORDER BY name`)
}

func (r *PostgresRegistry) queryScopes(ctx context.Context, query string, args ...interface{}) ([]*Scope, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*Scope
	for rows.Next() {
		s := &Scope{}
		if err := rows.Scan(&s.Name, &s.Description, pq.Array(&s.Resources)); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// UpsertClient writes a client row; used by seeding and tests.
func (r *PostgresRegistry) UpsertClient(ctx context.Context, c *Client) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (id, display_name, type, consent_type, secret_hash, permissions, redirect_uris, post_logout_redirect_uris)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			type = EXCLUDED.type,
			consent_type = EXCLUDED.consent_type,
			secret_hash = EXCLUDED.secret_hash,
			permissions = EXCLUDED.permissions,
			redirect_uris = EXCLUDED.redirect_uris,
			post_logout_redirect_uris = EXCLUDED.post_logout_redirect_uris`,
		c.ID, c.DisplayName, c.Type, c.ConsentType, c.SecretHash,
		pq.Array(c.Permissions), pq.Array(c.RedirectURIs), pq.Array(c.PostLogoutRedirectURIs))
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// UpsertScope writes a scope row.
func (r *PostgresRegistry) UpsertScope(ctx context.Context, s *Scope) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scopes (name, description, resources) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, resources = EXCLUDED.resources`,
		s.Name, s.Description, pq.Array(s.Resources))
	if err != nil {
		return fmt.Errorf("upsert scope: %w", err)
	}
	return nil
}

// Seed copies every client and scope from a file registry into Postgres.
func (r *PostgresRegistry) Seed(ctx context.Context, src *FileRegistry) error {
	for _, c := range src.clients {
		if err := r.UpsertClient(ctx, c); err != nil {
			return err
		}
	}
	for _, name := range src.order {
		if err := r.UpsertScope(ctx, src.scopes[name]); err != nil {
			return err
		}
	}
	return nil
}
