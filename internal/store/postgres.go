package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore keeps grants in the tables created by db.MigrationManager.
// Compare-and-set steps are conditional UPDATEs or row-locking transactions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (code_hash, client_id, subject, scopes, redirect_uri,
			code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Hash, code.ClientID, code.Subject, pq.Array(code.Scopes), code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.AuthTime, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuthorizationCode(ctx context.Context, hash string) (*AuthorizationCode, error) {
	c := &AuthorizationCode{}
	err := s.db.QueryRowContext(ctx, `
		SELECT code_hash, client_id, subject, scopes, redirect_uri, code_challenge, code_challenge_method,
			nonce, auth_time, lineage, consumed, created_at, expires_at
		FROM authorization_codes WHERE code_hash = $1`, hash).Scan(
		&c.Hash, &c.ClientID, &c.Subject, pq.Array(&c.Scopes), &c.RedirectURI, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Nonce, &c.AuthTime, &c.Lineage, &c.Consumed, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ConsumeAuthorizationCode(ctx context.Context, hash, lineage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authorization_codes SET consumed = TRUE, lineage = $2 WHERE code_hash = $1 AND consumed = FALSE`,
		hash, lineage)
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM authorization_codes WHERE code_hash = $1)`, hash).Scan(&exists); err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyConsumed
}

func (s *PostgresStore) CreateDeviceSession(ctx context.Context, d *DeviceSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sessions (device_code_hash, user_code, client_id, scopes, status,
			interval_seconds, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.DeviceCodeHash, d.UserCode, d.ClientID, pq.Array(d.Scopes), string(DevicePending),
		int(d.Interval/time.Second), d.CreatedAt, d.ExpiresAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert device session: %w", err)
	}
	return nil
}

const deviceColumns = `device_code_hash, user_code, client_id, scopes, status, subject, auth_time,
	interval_seconds, last_polled_at, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*DeviceSession, error) {
	d := &DeviceSession{}
	var authTime, lastPolled sql.NullTime
	var interval int
	err := row.Scan(&d.DeviceCodeHash, &d.UserCode, &d.ClientID, pq.Array(&d.Scopes), &d.Status, &d.Subject,
		&authTime, &interval, &lastPolled, &d.CreatedAt, &d.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device session: %w", err)
	}
	d.AuthTime = authTime.Time
	d.LastPolledAt = lastPolled.Time
	d.Interval = time.Duration(interval) * time.Second
	return d, nil
}

func (s *PostgresStore) GetDeviceSession(ctx context.Context, deviceCodeHash string) (*DeviceSession, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_sessions WHERE device_code_hash = $1`, deviceCodeHash))
}

func (s *PostgresStore) GetDeviceSessionByUserCode(ctx context.Context, userCode string) (*DeviceSession, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_sessions WHERE user_code = $1`, userCode))
}

func (s *PostgresStore) ResolveDeviceSession(ctx context.Context, userCode string, status DeviceStatus, subject string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_sessions SET status = $2, subject = $3, auth_time = $4
		WHERE user_code = $1 AND status = 'pending' AND expires_at > $4`,
		userCode, string(status), subject, now)
	if err != nil {
		return fmt.Errorf("resolve device session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	d, err := s.GetDeviceSessionByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if d.Expired(now) {
		return ErrExpired
	}
	return ErrAlreadyResolved
}

func (s *PostgresStore) PollDeviceSession(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (PollOutcome, *DeviceSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin poll: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_sessions WHERE device_code_hash = $1 FOR UPDATE`, deviceCodeHash))
	if err != nil {
		return 0, nil, err
	}
	if d.ClientID != clientID {
		return 0, nil, ErrNotFound
	}
	if d.Expired(now) {
		return PollExpired, nil, nil
	}

	outcome := PollPending
	switch d.Status {
	case DeviceDenied, DeviceAuthorized:
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_sessions WHERE device_code_hash = $1`, deviceCodeHash); err != nil {
			return 0, nil, fmt.Errorf("delete device session: %w", err)
		}
		outcome = PollDenied
		if d.Status == DeviceAuthorized {
			outcome = PollAuthorized
		}
	default:
		interval := d.Interval
		if !d.LastPolledAt.IsZero() && now.Sub(d.LastPolledAt) < d.Interval {
			interval += SlowDownStep
			outcome = PollSlowDown
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE device_sessions SET last_polled_at = $2, interval_seconds = $3 WHERE device_code_hash = $1`,
			deviceCodeHash, now, int(interval/time.Second))
		if err != nil {
			return 0, nil, fmt.Errorf("record poll: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit poll: %w", err)
	}
	if outcome == PollAuthorized {
		return outcome, d, nil
	}
	return outcome, nil, nil
}

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	return insertRefreshToken(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, t *RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, lineage, client_id, subject, scopes, auth_time, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.Hash, t.Lineage, t.ClientID, t.Subject, pq.Array(t.Scopes), t.AuthTime, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	t := &RefreshToken{}
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, lineage, client_id, subject, scopes, auth_time, consumed, revoked, created_at, expires_at
		FROM refresh_tokens WHERE token_hash = $1`, hash).Scan(
		&t.Hash, &t.Lineage, &t.ClientID, &t.Subject, pq.Array(&t.Scopes), &t.AuthTime,
		&t.Consumed, &t.Revoked, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	var lineage string
	var consumed, revoked bool
	err = tx.QueryRowContext(ctx,
		`SELECT lineage, consumed, revoked FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`, oldHash).
		Scan(&lineage, &consumed, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock refresh token: %w", err)
	}
	if revoked {
		return ErrRevoked
	}
	if consumed {
		if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE lineage = $1`, lineage); err != nil {
			return fmt.Errorf("revoke lineage: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lineage revocation: %w", err)
		}
		return ErrTokenReused
	}

	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET consumed = TRUE WHERE token_hash = $1`, oldHash); err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	next.Lineage = lineage
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeLineage(ctx context.Context, lineage string) error {
	if lineage == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE lineage = $1`, lineage); err != nil {
		return fmt.Errorf("revoke lineage: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAuthorizations(ctx context.Context, subject, clientID string) ([]*Authorization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, client_id, scopes, status, type, created_at
		FROM authorizations WHERE subject = $1 AND client_id = $2 ORDER BY created_at`, subject, clientID)
	if err != nil {
		return nil, fmt.Errorf("find authorizations: %w", err)
	}
	defer rows.Close()

	var out []*Authorization
	for rows.Next() {
		a := &Authorization{}
		if err := rows.Scan(&a.ID, &a.Subject, &a.ClientID, pq.Array(&a.Scopes), &a.Status, &a.Type, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan authorization: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAuthorization(ctx context.Context, auth *Authorization) error {
	if auth.Type == AuthorizationPermanent {
		var id string
		err := s.db.QueryRowContext(ctx, `
			UPDATE authorizations
			SET scopes = ARRAY(SELECT DISTINCT unnest(scopes || $3::text[]))
			WHERE subject = $1 AND client_id = $2 AND type = 'permanent' AND status = 'valid'
			RETURNING id`, auth.Subject, auth.ClientID, pq.Array(auth.Scopes)).Scan(&id)
		if err == nil {
			auth.ID = id
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("merge authorization: %w", err)
		}
	}

	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorizations (id, subject, client_id, scopes, status, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		auth.ID, auth.Subject, auth.ClientID, pq.Array(auth.Scopes), string(auth.Status), string(auth.Type), auth.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAuthorization(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE authorizations SET status = 'revoked' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoffs := []struct {
		table  string
		before time.Time
	}{
		{"authorization_codes", now},
		{"device_sessions", now.Add(-DeviceRetention)},
		{"refresh_tokens", now},
	}
	var total int64
	for _, c := range cutoffs {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE expires_at <= $1`, c.before)
		if err != nil {
			return total, fmt.Errorf("delete expired %s: %w", c.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
