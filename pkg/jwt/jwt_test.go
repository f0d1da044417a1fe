package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authz-server/pkg/jwks"
)

const issuer = "https://auth.example.com"

func managers(t *testing.T) map[string]*Manager {
	t.Helper()
	km, err := jwks.NewKeyManager()
	require.NoError(t, err)
	return map[string]*Manager{
		"HS256": NewManager(issuer, "test-secret-key-for-unit-testing-only"),
		"RS256": NewRSAManager(issuer, km),
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	for alg, m := range managers(t) {
		t.Run(alg, func(t *testing.T) {
			assert.Equal(t, alg, m.Algorithm())
			signed, issued, err := m.IssueAccessToken(AccessToken{
				Subject:   "alice",
				ClientID:  "spa",
				Scopes:    []string{"openid", "api"},
				Audiences: []string{"orders-api"},
				Roles:     []string{"admin"},
				TTL:       time.Minute,
			})
			require.NoError(t, err)

			claims, err := m.ParseAccessToken(signed)
			require.NoError(t, err)
			assert.Equal(t, issued.ID, claims.ID)
			assert.Equal(t, "alice", claims.Subject)
			assert.Equal(t, "spa", claims.ClientID)
			assert.Equal(t, []string{"openid", "api"}, claims.Scopes())
			assert.Equal(t, []string{"orders-api"}, []string(claims.Audience))
			assert.Equal(t, []string{"admin"}, claims.Roles)
		})
	}
}

func TestParseAccessTokenRejects(t *testing.T) {
	m := NewManager(issuer, "test-secret-key-for-unit-testing-only")

	expired := NewManager(issuer, "test-secret-key-for-unit-testing-only")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.IssueAccessToken(AccessToken{Subject: "alice", ClientID: "spa", TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.ParseAccessToken(old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewManager("https://evil.example.com", "test-secret-key-for-unit-testing-only")
	foreign, _, err := other.IssueAccessToken(AccessToken{Subject: "alice", ClientID: "spa", TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.ParseAccessToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	idToken, err := m.IssueIDToken(IDToken{Subject: "alice", ClientID: "spa", TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.ParseAccessToken(idToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ParseAccessToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIDToken(t *testing.T) {
	for alg, m := range managers(t) {
		t.Run(alg, func(t *testing.T) {
			authTime := time.Now().Add(-time.Minute).Truncate(time.Second)
			signed, err := m.IssueIDToken(IDToken{
				Subject:  "alice",
				ClientID: "spa",
				Nonce:    "n-0S6_WzA2Mj",
				AuthTime: authTime,
				Claims:   map[string]interface{}{"email": "alice@example.com"},
				TTL:      time.Minute,
			})
			require.NoError(t, err)

			claims, err := m.ParseIDTokenHint(signed)
			require.NoError(t, err)
			assert.Equal(t, "alice", claims["sub"])
			assert.Equal(t, "n-0S6_WzA2Mj", claims["nonce"])
			assert.Equal(t, "alice@example.com", claims["email"])
			assert.Equal(t, float64(authTime.Unix()), claims["auth_time"])
			aud, err := claims.GetAudience()
			require.NoError(t, err)
			assert.Equal(t, []string{"spa"}, []string(aud))
		})
	}
}

func TestExpiredIDTokenHintIsAccepted(t *testing.T) {
	m := NewManager(issuer, "test-secret-key-for-unit-testing-only")
	m.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	signed, err := m.IssueIDToken(IDToken{Subject: "alice", ClientID: "spa", TTL: time.Minute})
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.ParseIDTokenHint(signed)
	assert.NoError(t, err)
}
