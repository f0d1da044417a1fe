// Package jwt issues and verifies the self-contained access tokens and OIDC ID tokens.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authz-server/pkg/jwks"
)

const accessTokenType = "at+jwt"

var ErrInvalidToken = errors.New("invalid token")

type AccessClaims struct {
	ClientID    string   `json:"client_id"`
	Scope       string   `json:"scope,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the space separated scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

type AccessToken struct {
	Subject     string
	ClientID    string
	Scopes      []string
	Audiences   []string
	Roles       []string
	Permissions []string
	TTL         time.Duration
}

type IDToken struct {
	Subject  string
	ClientID string
	Nonce    string
	AuthTime time.Time
	Claims   map[string]interface{}
	TTL      time.Duration
}

// Manager signs with HS256 (shared secret) or RS256 (key manager).
type Manager struct {
	issuer string
	secret []byte
	keys   *jwks.KeyManager
	now    func() time.Time
}

func NewManager(issuer, secret string) *Manager {
	return &Manager{issuer: issuer, secret: []byte(secret), now: time.Now}
}

func NewRSAManager(issuer string, keys *jwks.KeyManager) *Manager {
	return &Manager{issuer: issuer, keys: keys, now: time.Now}
}

func (m *Manager) Issuer() string {
	return m.issuer
}

func (m *Manager) Algorithm() string {
	if m.keys != nil {
		return jwt.SigningMethodRS256.Alg()
	}
	return jwt.SigningMethodHS256.Alg()
}

func (m *Manager) sign(claims jwt.Claims, typ string) (string, error) {
	if m.keys != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["typ"] = typ
		return m.keys.SignToken(token)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["typ"] = typ
	return token.SignedString(m.secret)
}

func (m *Manager) keyfunc(token *jwt.Token) (interface{}, error) {
	if m.keys != nil {
		return m.keys.Keyfunc(token)
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return m.secret, nil
}

func (m *Manager) IssueAccessToken(at AccessToken) (string, *AccessClaims, error) {
	now := m.now()
	claims := &AccessClaims{
		ClientID:    at.ClientID,
		Scope:       strings.Join(at.Scopes, " "),
		Roles:       at.Roles,
		Permissions: at.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   at.Subject,
			Audience:  at.Audiences,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(at.TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := m.sign(claims, accessTokenType)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// ParseAccessToken verifies signature, issuer, expiry and the at+jwt type header.
func (m *Manager) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keyfunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if typ, _ := token.Header["typ"].(string); typ != accessTokenType {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

func (m *Manager) IssueIDToken(id IDToken) (string, error) {
	now := m.now()
	claims := jwt.MapClaims{}
	for k, v := range id.Claims {
		claims[k] = v
	}
	claims["iss"] = m.issuer
	claims["sub"] = id.Subject
	claims["aud"] = id.ClientID
	claims["azp"] = id.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(id.TTL).Unix()
	if !id.AuthTime.IsZero() {
		claims["auth_time"] = id.AuthTime.Unix()
	}
	if id.Nonce != "" {
		claims["nonce"] = id.Nonce
	}
	signed, err := m.sign(claims, "JWT")
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}

// ParseIDTokenHint verifies an id_token_hint. Expired hints are accepted.
func (m *Manager) ParseIDTokenHint(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyfunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if iss, _ := claims.GetIssuer(); iss != m.issuer {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	return claims, nil
}
