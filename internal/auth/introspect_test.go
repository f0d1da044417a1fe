package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authz-server/internal/audit"
)

func TestIntrospectAudienceScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "openid", "api"), "alice")
	tokens, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err)

	resp, err := f.svc.Introspect(ctx, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: "orders-api", ClientSecret: "orders-secret"},
		Token:             tokens.AccessToken,
	})
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "alice", resp.Subject)
	assert.Equal(t, "spa", resp.ClientID)
	assert.Equal(t, "openid api", resp.Scope)
	assert.Equal(t, []string{"orders-api"}, resp.Audience)
	assert.Equal(t, "Bearer", resp.TokenType)

	resp, err = f.svc.Introspect(ctx, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: "web", ClientSecret: "web-secret"},
		Token:             tokens.AccessToken,
	})
	require.NoError(t, err)
	assert.False(t, resp.Active, "web is neither the client nor an audience")
	assert.Empty(t, resp.Subject)

	// Each inactive answer is its own value.
	resp.Active = true
	resp.Subject = "leaked"
	again, err := f.svc.Introspect(ctx, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: "web", ClientSecret: "web-secret"},
		Token:             tokens.AccessToken,
	})
	require.NoError(t, err)
	assert.False(t, again.Active)
	assert.Empty(t, again.Subject)

	_, err = f.svc.Introspect(ctx, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: "orders-api", ClientSecret: "nope"},
		Token:             tokens.AccessToken,
	})
	assert.Equal(t, "invalid_client", oauthCode(t, err))

	_, err = f.svc.Introspect(ctx, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		Token:             tokens.AccessToken,
	})
	assert.Equal(t, "unauthorized_client", oauthCode(t, err))
}

func TestIntrospectRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	code := f.authorize(t, &AuthorizationRequest{ResponseType: "code", ClientID: "web", RedirectURI: webRedirect, Scopes: []string{"api", "offline_access"}}, "alice")
	web := ClientCredentials{ClientID: "web", ClientSecret: "web-secret"}
	tokens, err := f.svc.Token(ctx, &TokenRequest{ClientCredentials: web, GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: webRedirect})
	require.NoError(t, err)
	require.NotEmpty(t, tokens.RefreshToken)

	resp, err := f.svc.Introspect(ctx, &IntrospectionRequest{ClientCredentials: web, Token: tokens.RefreshToken})
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "refresh_token", resp.TokenType)
	assert.Equal(t, "api offline_access", resp.Scope)

	resp, err = f.svc.Introspect(ctx, &IntrospectionRequest{ClientCredentials: web, Token: "garbage"})
	require.NoError(t, err)
	assert.False(t, resp.Active)

	require.NoError(t, f.svc.Revoke(ctx, &RevocationRequest{ClientCredentials: web, Token: tokens.RefreshToken}))
	assert.Contains(t, f.audit.Types(), audit.TokenRevoked)

	resp, err = f.svc.Introspect(ctx, &IntrospectionRequest{ClientCredentials: web, Token: tokens.RefreshToken})
	require.NoError(t, err)
	assert.False(t, resp.Active)

	_, err = f.svc.Token(ctx, &TokenRequest{ClientCredentials: web, GrantType: GrantTypeRefreshToken, RefreshToken: tokens.RefreshToken})
	assert.Equal(t, "invalid_grant", oauthCode(t, err))

	assert.NoError(t, f.svc.Revoke(ctx, &RevocationRequest{ClientCredentials: web, Token: "unknown"}), "unknown tokens are accepted")
}

func TestResolveLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "openid"), "alice")
	tokens, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     *LogoutRequest
		subject string
		want    string
	}{
		{"client id", &LogoutRequest{ClientID: "spa", PostLogoutRedirectURI: "https://spa.example.com/bye", State: "s1"}, "alice", "https://spa.example.com/bye?state=s1"},
		{"id token hint", &LogoutRequest{IDTokenHint: tokens.IDToken, PostLogoutRedirectURI: "https://spa.example.com/bye"}, "alice", "https://spa.example.com/bye"},
		{"unregistered uri", &LogoutRequest{ClientID: "spa", PostLogoutRedirectURI: "https://evil.example.com"}, "alice", ""},
		{"client without logout permission", &LogoutRequest{ClientID: "web", PostLogoutRedirectURI: "https://spa.example.com/bye"}, "alice", ""},
		{"hint for another subject", &LogoutRequest{IDTokenHint: tokens.IDToken, PostLogoutRedirectURI: "https://spa.example.com/bye"}, "bob", ""},
		{"forged hint", &LogoutRequest{IDTokenHint: "x.y.z", PostLogoutRedirectURI: "https://spa.example.com/bye"}, "alice", ""},
		{"no redirect", &LogoutRequest{ClientID: "spa"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.ResolveLogout(ctx, tt.req, tt.subject)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
