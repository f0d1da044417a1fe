// Package store persists authorization codes, device sessions, refresh tokens and consent
// records. Every state transition that must happen at most once is a single atomic step
// in the backing store.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("grant not found")
	ErrAlreadyConsumed = errors.New("grant already consumed")
	ErrAlreadyResolved = errors.New("device session already resolved")
	ErrExpired         = errors.New("grant expired")
	ErrTokenReused     = errors.New("refresh token reused")
	ErrRevoked         = errors.New("grant revoked")
	ErrConflict        = errors.New("grant already exists")
)

// Hash derives the storage key for an opaque secret. Raw codes and tokens are never stored.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type AuthorizationCode struct {
	Hash                string    `json:"hash"`
	ClientID            string    `json:"client_id"`
	Subject             string    `json:"subject"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`

	// Set when the code is redeemed; Lineage names the refresh-token family minted from it.
	Consumed bool   `json:"-"`
	Lineage  string `json:"-"`
}

func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type DeviceStatus string

const (
	DevicePending    DeviceStatus = "pending"
	DeviceAuthorized DeviceStatus = "authorized"
	DeviceDenied     DeviceStatus = "denied"
)

type DeviceSession struct {
	DeviceCodeHash string        `json:"device_code_hash"`
	UserCode       string        `json:"user_code"`
	ClientID       string        `json:"client_id"`
	Scopes         []string      `json:"scopes"`
	Interval       time.Duration `json:"interval"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`

	Status       DeviceStatus `json:"-"`
	Subject      string       `json:"-"`
	AuthTime     time.Time    `json:"-"`
	LastPolledAt time.Time    `json:"-"`
}

func (d *DeviceSession) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// PollOutcome is the result of one device-code poll.
type PollOutcome int

const (
	PollPending PollOutcome = iota
	PollSlowDown
	PollExpired
	PollDenied
	PollAuthorized
)

func (o PollOutcome) String() string {
	switch o {
	case PollPending:
		return "authorization_pending"
	case PollSlowDown:
		return "slow_down"
	case PollExpired:
		return "expired_token"
	case PollDenied:
		return "access_denied"
	case PollAuthorized:
		return "authorized"
	}
	return "unknown"
}

// SlowDownStep is added to a device session's interval each time a client polls too fast.
const SlowDownStep = 5 * time.Second

// DeviceRetention keeps an expired device session around so a late poll still learns
// expired_token instead of an unknown device code.
const DeviceRetention = 10 * time.Minute

type RefreshToken struct {
	Hash      string    `json:"hash"`
	Lineage   string    `json:"lineage"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	AuthTime  time.Time `json:"auth_time"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Consumed bool `json:"-"`
	Revoked  bool `json:"-"`
}

func (r *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type AuthorizationStatus string

const (
	AuthorizationValid   AuthorizationStatus = "valid"
	AuthorizationRevoked AuthorizationStatus = "revoked"
)

type AuthorizationType string

const (
	AuthorizationAdHoc     AuthorizationType = "ad_hoc"
	AuthorizationPermanent AuthorizationType = "permanent"
)

// Authorization records a resource owner's consent to a client for a set of scopes.
type Authorization struct {
	ID        string              `json:"id"`
	Subject   string              `json:"subject"`
	ClientID  string              `json:"client_id"`
	Scopes    []string            `json:"scopes"`
	Status    AuthorizationStatus `json:"status"`
	Type      AuthorizationType   `json:"type"`
	CreatedAt time.Time           `json:"created_at"`
}

// Covers reports whether a valid permanent record grants every requested scope.
func (a *Authorization) Covers(scopes []string) bool {
	if a.Status != AuthorizationValid || a.Type != AuthorizationPermanent {
		return false
	}
	granted := make(map[string]bool, len(a.Scopes))
	for _, s := range a.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Store is the grant store contract shared by the memory, Redis and Postgres backends.
type Store interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, hash string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode flips consumed from false to true and records the lineage.
	// Exactly one concurrent caller succeeds; the rest get ErrAlreadyConsumed.
	ConsumeAuthorizationCode(ctx context.Context, hash, lineage string) error

	CreateDeviceSession(ctx context.Context, session *DeviceSession) error
	GetDeviceSession(ctx context.Context, deviceCodeHash string) (*DeviceSession, error)
	GetDeviceSessionByUserCode(ctx context.Context, userCode string) (*DeviceSession, error)
	// ResolveDeviceSession moves a pending, unexpired session to authorized or denied once.
	ResolveDeviceSession(ctx context.Context, userCode string, status DeviceStatus, subject string, now time.Time) error
	// PollDeviceSession records a poll and returns its outcome. An authorized or denied
	// session is removed in the same step, so it can be redeemed once.
	PollDeviceSession(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (PollOutcome, *DeviceSession, error)

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)
	// RotateRefreshToken consumes oldHash and stores next in its lineage. Presenting an
	// already consumed token revokes the whole lineage and returns ErrTokenReused.
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error
	RevokeRefreshToken(ctx context.Context, hash string) error
	RevokeLineage(ctx context.Context, lineage string) error

	FindAuthorizations(ctx context.Context, subject, clientID string) ([]*Authorization, error)
	// SaveAuthorization inserts a record; a permanent record is merged into the existing
	// valid permanent record for the same subject and client.
	SaveAuthorization(ctx context.Context, auth *Authorization) error
	RevokeAuthorization(ctx context.Context, id string) error

	// DeleteExpired removes expired codes and refresh tokens, and device sessions that
	// expired more than DeviceRetention ago. It returns how many went.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
