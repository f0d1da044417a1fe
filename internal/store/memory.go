package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all grants in process memory behind one mutex.
type MemoryStore struct {
	mu             sync.Mutex
	codes          map[string]*AuthorizationCode
	devices        map[string]*DeviceSession
	userCodes      map[string]string
	refreshTokens  map[string]*RefreshToken
	authorizations map[string]*Authorization
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:          make(map[string]*AuthorizationCode),
		devices:        make(map[string]*DeviceSession),
		userCodes:      make(map[string]string),
		refreshTokens:  make(map[string]*RefreshToken),
		authorizations: make(map[string]*Authorization),
	}
}

func (m *MemoryStore) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.Hash] = &cp
	return nil
}

func (m *MemoryStore) GetAuthorizationCode(_ context.Context, hash string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ConsumeAuthorizationCode(_ context.Context, hash, lineage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[hash]
	if !ok {
		return ErrNotFound
	}
	if c.Consumed {
		return ErrAlreadyConsumed
	}
	c.Consumed = true
	c.Lineage = lineage
	return nil
}

func (m *MemoryStore) CreateDeviceSession(_ context.Context, session *DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.userCodes[session.UserCode]; taken {
		return ErrConflict
	}
	cp := *session
	if cp.Status == "" {
		cp.Status = DevicePending
	}
	m.devices[session.DeviceCodeHash] = &cp
	m.userCodes[session.UserCode] = session.DeviceCodeHash
	return nil
}

func (m *MemoryStore) GetDeviceSession(_ context.Context, deviceCodeHash string) (*DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCodeHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDeviceSessionByUserCode(_ context.Context, userCode string) (*DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[m.userCodes[userCode]]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ResolveDeviceSession(_ context.Context, userCode string, status DeviceStatus, subject string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[m.userCodes[userCode]]
	if !ok {
		return ErrNotFound
	}
	if d.Expired(now) {
		return ErrExpired
	}
	if d.Status != DevicePending {
		return ErrAlreadyResolved
	}
	d.Status = status
	d.Subject = subject
	d.AuthTime = now
	return nil
}

func (m *MemoryStore) PollDeviceSession(_ context.Context, deviceCodeHash, clientID string, now time.Time) (PollOutcome, *DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceCodeHash]
	if !ok || d.ClientID != clientID {
		return 0, nil, ErrNotFound
	}
	if d.Expired(now) {
		return PollExpired, nil, nil
	}

	switch d.Status {
	case DeviceDenied:
		m.deleteDevice(d)
		return PollDenied, nil, nil
	case DeviceAuthorized:
		m.deleteDevice(d)
		cp := *d
		return PollAuthorized, &cp, nil
	}

	last := d.LastPolledAt
	d.LastPolledAt = now
	if !last.IsZero() && now.Sub(last) < d.Interval {
		d.Interval += SlowDownStep
		return PollSlowDown, nil, nil
	}
	return PollPending, nil, nil
}

func (m *MemoryStore) deleteDevice(d *DeviceSession) {
	delete(m.devices, d.DeviceCodeHash)
	delete(m.userCodes, d.UserCode)
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.refreshTokens[token.Hash] = &cp
	return nil
}

func (m *MemoryStore) GetRefreshToken(_ context.Context, hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshTokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) RotateRefreshToken(_ context.Context, oldHash string, next *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refreshTokens[oldHash]
	if !ok {
		return ErrNotFound
	}
	if old.Revoked {
		return ErrRevoked
	}
	if old.Consumed {
		m.revokeLineage(old.Lineage)
		return ErrTokenReused
	}
	old.Consumed = true
	cp := *next
	cp.Lineage = old.Lineage
	m.refreshTokens[cp.Hash] = &cp
	next.Lineage = old.Lineage
	return nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshTokens[hash]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (m *MemoryStore) RevokeLineage(_ context.Context, lineage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeLineage(lineage)
	return nil
}

func (m *MemoryStore) revokeLineage(lineage string) {
	if lineage == "" {
		return
	}
	for _, t := range m.refreshTokens {
		if t.Lineage == lineage {
			t.Revoked = true
		}
	}
}

func (m *MemoryStore) FindAuthorizations(_ context.Context, subject, clientID string) ([]*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Authorization
	for _, a := range m.authorizations {
		if a.Subject == subject && a.ClientID == clientID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveAuthorization(_ context.Context, auth *Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if auth.Type == AuthorizationPermanent {
		for _, a := range m.authorizations {
			if a.Subject == auth.Subject && a.ClientID == auth.ClientID &&
				a.Type == AuthorizationPermanent && a.Status == AuthorizationValid {
				a.Scopes = mergeScopes(a.Scopes, auth.Scopes)
				auth.ID = a.ID
				return nil
			}
		}
	}
	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}
	cp := *auth
	m.authorizations[auth.ID] = &cp
	return nil
}

func (m *MemoryStore) RevokeAuthorization(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authorizations[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = AuthorizationRevoked
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, c := range m.codes {
		if c.Expired(now) {
			delete(m.codes, h)
			n++
		}
	}
	for _, d := range m.devices {
		if d.Expired(now.Add(-DeviceRetention)) {
			m.deleteDevice(d)
			n++
		}
	}
	for h, t := range m.refreshTokens {
		if t.Expired(now) {
			delete(m.refreshTokens, h)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
