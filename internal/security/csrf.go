package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken   = errors.New("invalid CSRF token")
	ErrExpiredToken   = errors.New("CSRF token expired")
	ErrMalformedToken = errors.New("malformed CSRF token")
	ErrMissingToken   = errors.New("CSRF token required")
)

const (
	CSRFField  = "csrf_token"
	CSRFHeader = "X-CSRF-Token"
)

// CSRFManager issues HMAC-signed tokens bound to a session id. The login page binds to
// AnonymousBinding since no session exists yet.
type CSRFManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

const AnonymousBinding = "anonymous"

func NewCSRFManager(secret string, ttl time.Duration) *CSRFManager {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &CSRFManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// GenerateToken returns base64(timestamp:binding:random:signature).
func (m *CSRFManager) GenerateToken(binding string) (string, error) {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	message := fmt.Sprintf("%d:%s:%s", m.now().Unix(), binding, base64.RawURLEncoding.EncodeToString(randomBytes))
	token := message + ":" + m.sign(message)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (m *CSRFManager) ValidateToken(token, binding string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrMalformedToken
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return ErrMalformedToken
	}
	timestampStr, providedBinding, randomStr, providedSignature := parts[0], parts[1], parts[2], parts[3]

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}

	expected := m.sign(fmt.Sprintf("%s:%s:%s", timestampStr, providedBinding, randomStr))
	if !hmac.Equal([]byte(providedSignature), []byte(expected)) {
		return ErrInvalidToken
	}
	if providedBinding != binding {
		return ErrInvalidToken
	}
	if m.now().Sub(time.Unix(timestamp, 0)) > m.ttl {
		return ErrExpiredToken
	}
	return nil
}

// Check validates the token a form post carries in its csrf_token field or X-CSRF-Token header.
func (m *CSRFManager) Check(r *http.Request, binding string) error {
	token := r.Header.Get(CSRFHeader)
	if token == "" {
		token = r.PostFormValue(CSRFField)
	}
	if token == "" {
		return ErrMissingToken
	}
	return m.ValidateToken(token, binding)
}

func (m *CSRFManager) sign(message string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
