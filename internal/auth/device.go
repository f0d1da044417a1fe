package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/url"
	"strings"

	"authz-server/internal/audit"
	"authz-server/internal/gate"
	"authz-server/internal/registry"
	"authz-server/internal/store"
	"authz-server/pkg/crypto"
)

const (
	userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength  = 8
	userCodeRetries = 5
)

// Errors shown to the resource owner on the verification page.
var (
	ErrUnknownUserCode  = errors.New("that code is not valid")
	ErrUserCodeExpired  = errors.New("that code has expired, start again on your device")
	ErrUserCodeResolved = errors.New("that code has already been used")
)

type DeviceAuthorizationRequest struct {
	ClientCredentials
	Scopes []string
}

type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// StartDeviceAuthorization opens a pending device session.
func (s *Service) StartDeviceAuthorization(ctx context.Context, req *DeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.authenticateClient(ctx, req.ClientCredentials, gate.EndpointDevice)
	if err != nil {
		return nil, err
	}
	if err := gate.Require(client, gate.GrantDeviceCode); err != nil {
		return nil, err
	}
	if err := s.gate.CheckScopes(client, req.Scopes); err != nil {
		return nil, err
	}

	deviceCode, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	now := s.now()
	session := &store.DeviceSession{
		DeviceCodeHash: store.Hash(deviceCode),
		ClientID:       client.ID,
		Scopes:         req.Scopes,
		Interval:       s.config.Device.PollInterval,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.config.Device.CodeTTL),
		Status:         store.DevicePending,
	}

	for attempt := 0; ; attempt++ {
		session.UserCode, err = generateUserCode()
		if err != nil {
			return nil, err
		}
		err = s.store.CreateDeviceSession(ctx, session)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt == userCodeRetries {
			return nil, storageError("create device session", err)
		}
	}

	s.audit.Emit(ctx, audit.Event{Type: audit.DeviceAuthorizationStarted, ClientID: client.ID})

	display := FormatUserCode(session.UserCode)
	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                display,
		VerificationURI:         s.config.Device.VerificationURI,
		VerificationURIComplete: appendQuery(s.config.Device.VerificationURI, url.Values{"user_code": {display}}),
		ExpiresIn:               int64(s.config.Device.CodeTTL.Seconds()),
		Interval:                int(s.config.Device.PollInterval.Seconds()),
	}, nil
}

// PendingDevice is what the verification page shows before the user decides.
type PendingDevice struct {
	UserCode string
	Client   *registry.Client
	Scopes   []*registry.Scope
}

// LookupUserCode finds a pending device session for the verification page.
func (s *Service) LookupUserCode(ctx context.Context, userCode string) (*PendingDevice, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.store.GetDeviceSessionByUserCode(ctx, NormalizeUserCode(userCode))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownUserCode
	}
	if err != nil {
		return nil, storageError("load device session", err)
	}
	if session.Expired(s.now()) {
		return nil, ErrUserCodeExpired
	}
	if session.Status != store.DevicePending {
		return nil, ErrUserCodeResolved
	}

	client, err := s.registry.GetClient(ctx, session.ClientID)
	if err != nil {
		return nil, storageError("load client", err)
	}
	scopes, err := s.ScopeDetails(ctx, session.Scopes)
	if err != nil {
		return nil, err
	}
	return &PendingDevice{UserCode: FormatUserCode(session.UserCode), Client: client, Scopes: scopes}, nil
}

// VerifyUserCode approves or denies a device session exactly once.
func (s *Service) VerifyUserCode(ctx context.Context, userCode, subject string, approve bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	code := NormalizeUserCode(userCode)
	status, event := store.DeviceAuthorized, audit.DeviceVerified
	if !approve {
		status, event = store.DeviceDenied, audit.DeviceDenied
	}

	err := s.store.ResolveDeviceSession(ctx, code, status, subject, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownUserCode
	case errors.Is(err, store.ErrExpired):
		return ErrUserCodeExpired
	case errors.Is(err, store.ErrAlreadyResolved):
		return ErrUserCodeResolved
	case err != nil:
		return storageError("resolve device session", err)
	}

	s.audit.Emit(ctx, audit.Event{Type: event, Subject: subject, Fields: map[string]interface{}{"user_code": FormatUserCode(code)}})
	return nil
}

func generateUserCode() (string, error) {
	limit := big.NewInt(int64(len(userCodeCharset)))
	b := make([]byte, userCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = userCodeCharset[n.Int64()]
	}
	return string(b), nil
}

// NormalizeUserCode upper-cases the input and strips separators and whitespace.
func NormalizeUserCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatUserCode renders a normalized code as XXXX-XXXX.
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}
