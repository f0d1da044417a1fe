package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authz-server/internal/audit"
	"authz-server/internal/principal"
	"authz-server/internal/store"
)

// flakyDirectory fails the next failures lookups, then defers to the wrapped directory.
type flakyDirectory struct {
	principal.IdentityProvider
	failures int32
}

func (d *flakyDirectory) Identity(ctx context.Context, subject string) (*principal.Identity, error) {
	if atomic.AddInt32(&d.failures, -1) >= 0 {
		return nil, errors.New("directory unavailable")
	}
	return d.IdentityProvider.Identity(ctx, subject)
}

// staleCodes answers one lookup per code with a copy taken before it was redeemed.
type staleCodes struct {
	store.Store
	stale map[string]*store.AuthorizationCode
}

func (s *staleCodes) GetAuthorizationCode(ctx context.Context, hash string) (*store.AuthorizationCode, error) {
	if c, ok := s.stale[hash]; ok {
		delete(s.stale, hash)
		return c, nil
	}
	return s.Store.GetAuthorizationCode(ctx, hash)
}

func codeRequest(code, verifier string) *TokenRequest {
	return &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeAuthorizationCode,
		Code:              code,
		RedirectURI:       spaRedirect,
		CodeVerifier:      verifier,
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "openid", "api", "offline_access", "email"), "alice")

	wrong, _ := pkcePair(t)
	_, err := f.svc.Token(ctx, codeRequest(code, wrong))
	assert.Equal(t, "invalid_grant", oauthCode(t, err), "PKCE mismatch")

	resp, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err, "a failed verifier does not burn the code")
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid api offline_access email", resp.Scope)

	claims, err := f.tokens.ParseAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"orders-api"}, []string(claims.Audience))

	idClaims, err := f.tokens.ParseIDTokenHint(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "n-123", idClaims["nonce"])
	assert.Equal(t, "alice@example.com", idClaims["email"])

	_, err = f.svc.Token(ctx, codeRequest(code, verifier))
	assert.Equal(t, "invalid_grant", oauthCode(t, err))

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeRefreshToken,
		RefreshToken:      resp.RefreshToken,
	})
	assert.Equal(t, "invalid_grant", oauthCode(t, err), "replaying the code revokes what it minted")
	assert.Contains(t, f.audit.Types(), audit.AuthorizationCodeReplayed)
}

func TestAuthorizationCodeParallelRedemption(t *testing.T) {
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "api"), "alice")

	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Token(context.Background(), codeRequest(code, verifier))
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			if AsError(err).Code == "invalid_grant" {
				atomic.AddInt32(&losses, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), losses)
	assert.Contains(t, f.audit.Types(), audit.AuthorizationCodeReplayed, "losing a redemption race counts as a replay")
}

func TestAuthorizationCodeRaceLoserRevokesWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := &staleCodes{Store: f.store, stale: map[string]*store.AuthorizationCode{}}
	f.svc.store = stale
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "api", "offline_access"), "alice")

	hash := store.Hash(code)
	before, err := f.store.GetAuthorizationCode(ctx, hash)
	require.NoError(t, err)
	first, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err)
	require.NotEmpty(t, first.RefreshToken)

	stale.stale[hash] = before
	_, err = f.svc.Token(ctx, codeRequest(code, verifier))
	assert.Equal(t, "invalid_grant", oauthCode(t, err))
	assert.Contains(t, f.audit.Types(), audit.AuthorizationCodeReplayed)

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeRefreshToken,
		RefreshToken:      first.RefreshToken,
	})
	assert.Equal(t, "invalid_grant", oauthCode(t, err), "the winner's lineage is revoked")
}

func TestTokenGrantsSurviveDirectoryFailure(t *testing.T) {
	ctx := context.Background()
	dir := &flakyDirectory{IdentityProvider: testDirectory()}
	f := newFixtureWith(t, dir)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "openid", "api", "offline_access"), "alice")

	atomic.StoreInt32(&dir.failures, 1)
	_, err := f.svc.Token(ctx, codeRequest(code, verifier))
	assert.Equal(t, "server_error", oauthCode(t, err))
	first, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err, "the code is still redeemable after a failed exchange")
	assert.NotContains(t, f.audit.Types(), audit.AuthorizationCodeReplayed)

	refresh := &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeRefreshToken,
		RefreshToken:      first.RefreshToken,
	}
	atomic.StoreInt32(&dir.failures, 1)
	_, err = f.svc.Token(ctx, refresh)
	assert.Equal(t, "server_error", oauthCode(t, err))
	second, err := f.svc.Token(ctx, refresh)
	require.NoError(t, err, "the refresh token is still valid after a failed rotation")
	assert.NotEmpty(t, second.RefreshToken)
	assert.NotContains(t, f.audit.Types(), audit.RefreshTokenReuseDetected)

	device := startDevice(t, f, "api", "offline_access")
	require.NoError(t, f.svc.VerifyUserCode(ctx, device.UserCode, "alice", true))
	atomic.StoreInt32(&dir.failures, 1)
	_, err = f.svc.Token(ctx, pollRequest(device.DeviceCode))
	assert.Equal(t, "server_error", oauthCode(t, err))
	f.advance(10 * time.Second)
	tokens, err := f.svc.Token(ctx, pollRequest(device.DeviceCode))
	require.NoError(t, err, "the approved device session survives a failed poll")
	assert.NotEmpty(t, tokens.AccessToken)
}

func TestAuthorizationCodeRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)

	t.Run("redirect mismatch", func(t *testing.T) {
		code := f.authorize(t, spaRequest(challenge, "api"), "alice")
		req := codeRequest(code, verifier)
		req.RedirectURI = "https://spa.example.com/other"
		_, err := f.svc.Token(ctx, req)
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})

	t.Run("different client", func(t *testing.T) {
		code := f.authorize(t, spaRequest(challenge, "api"), "alice")
		req := codeRequest(code, verifier)
		req.ClientCredentials = ClientCredentials{ClientID: "web", ClientSecret: "web-secret"}
		_, err := f.svc.Token(ctx, req)
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})

	t.Run("missing verifier", func(t *testing.T) {
		code := f.authorize(t, spaRequest(challenge, "api"), "alice")
		_, err := f.svc.Token(ctx, codeRequest(code, ""))
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})

	t.Run("expired", func(t *testing.T) {
		code := f.authorize(t, spaRequest(challenge, "api"), "alice")
		f.advance(6 * time.Minute)
		defer f.advance(-6 * time.Minute)
		_, err := f.svc.Token(ctx, codeRequest(code, verifier))
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := f.svc.Token(ctx, codeRequest("not-a-code", verifier))
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})

	t.Run("deleted subject", func(t *testing.T) {
		code := f.authorize(t, spaRequest(challenge, "api"), "carol")
		_, err := f.svc.Token(ctx, codeRequest(code, verifier))
		assert.Equal(t, "invalid_grant", oauthCode(t, err))
	})
}

func TestConfidentialClientAuthentication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := &AuthorizationRequest{ResponseType: "code", ClientID: "web", RedirectURI: webRedirect, Scopes: []string{"api"}}
	code := f.authorize(t, req, "alice")

	tokenReq := &TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: webRedirect}

	tokenReq.ClientCredentials = ClientCredentials{ClientID: "web"}
	_, err := f.svc.Token(ctx, tokenReq)
	assert.Equal(t, "invalid_client", oauthCode(t, err))

	tokenReq.ClientCredentials = ClientCredentials{ClientID: "web", ClientSecret: "wrong"}
	_, err = f.svc.Token(ctx, tokenReq)
	assert.Equal(t, "invalid_client", oauthCode(t, err))
	assert.Equal(t, 401, AsError(err).Status)

	tokenReq.ClientCredentials = ClientCredentials{ClientID: "web", ClientSecret: "web-secret"}
	resp, err := f.svc.Token(ctx, tokenReq)
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken, "no offline_access requested")
	assert.Empty(t, resp.IDToken, "no openid requested")
}

func TestRefreshRotationAndReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "openid", "api", "offline_access"), "alice")
	first, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err)

	refresh := func(token string, scopes ...string) (*TokenResponse, error) {
		return f.svc.Token(ctx, &TokenRequest{
			ClientCredentials: ClientCredentials{ClientID: "spa"},
			GrantType:         GrantTypeRefreshToken,
			RefreshToken:      token,
			Scopes:            scopes,
		})
	}

	_, err = refresh(first.RefreshToken, "api", "email")
	assert.Equal(t, "invalid_scope", oauthCode(t, err))

	second, err := refresh(first.RefreshToken, "api")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "api", second.Scope)
	assert.Empty(t, second.IDToken)

	third, err := refresh(second.RefreshToken)
	require.NoError(t, err, "the rotated token keeps the original grant")
	assert.Equal(t, "openid api offline_access", third.Scope)

	_, err = refresh(first.RefreshToken)
	assert.Equal(t, "invalid_grant", oauthCode(t, err))
	assert.Contains(t, f.audit.Types(), audit.RefreshTokenReuseDetected)

	_, err = refresh(third.RefreshToken)
	assert.Equal(t, "invalid_grant", oauthCode(t, err), "reuse revokes the whole lineage")
}

func TestRefreshBoundToClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier, challenge := pkcePair(t)
	code := f.authorize(t, spaRequest(challenge, "api", "offline_access"), "alice")
	resp, err := f.svc.Token(ctx, codeRequest(code, verifier))
	require.NoError(t, err)

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "web", ClientSecret: "web-secret"},
		GrantType:         GrantTypeRefreshToken,
		RefreshToken:      resp.RefreshToken,
	})
	assert.Equal(t, "invalid_grant", oauthCode(t, err))

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeRefreshToken,
		RefreshToken:      resp.RefreshToken,
	})
	require.NoError(t, err, "a foreign client's attempt does not consume the token")
}

func TestClientCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "backend", ClientSecret: "backend-secret"},
		GrantType:         GrantTypeClientCredentials,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)
	assert.Equal(t, "api reports", resp.Scope)

	claims, err := f.tokens.ParseAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "backend", claims.Subject)
	assert.ElementsMatch(t, []string{"orders-api", "billing-api"}, []string(claims.Audience))

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "backend", ClientSecret: "backend-secret"},
		GrantType:         GrantTypeClientCredentials,
		Scopes:            []string{"openid"},
	})
	assert.Equal(t, "invalid_scope", oauthCode(t, err))

	_, err = f.svc.Token(ctx, &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "batch", ClientSecret: "backend-secret"},
		GrantType:         GrantTypeClientCredentials,
	})
	assert.Equal(t, "unauthorized_client", oauthCode(t, err))
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Token(context.Background(), &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         "password",
	})
	assert.Equal(t, "unsupported_grant_type", oauthCode(t, err))

	_, err = f.svc.Token(context.Background(), &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
		GrantType:         GrantTypeClientCredentials,
	})
	assert.Equal(t, "unauthorized_client", oauthCode(t, err))
}
