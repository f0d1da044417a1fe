package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDevice(t *testing.T, f *fixture, scopes ...string) *DeviceAuthorizationResponse {
	t.Helper()
	resp, err := f.svc.StartDeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{
		ClientCredentials: ClientCredentials{ClientID: "tv"},
		Scopes:            scopes,
	})
	require.NoError(t, err)
	return resp
}

func pollRequest(deviceCode string) *TokenRequest {
	return &TokenRequest{
		ClientCredentials: ClientCredentials{ClientID: "tv"},
		GrantType:         GrantTypeDeviceCode,
		DeviceCode:        deviceCode,
	}
}

func TestStartDeviceAuthorization(t *testing.T) {
	f := newFixture(t)
	resp := startDevice(t, f, "api")

	assert.Len(t, resp.DeviceCode, 43)
	assert.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, resp.UserCode)
	assert.Equal(t, "http://localhost:18080/verify", resp.VerificationURI)
	assert.Contains(t, resp.VerificationURIComplete, "user_code="+resp.UserCode)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	assert.Equal(t, 5, resp.Interval)

	_, err := f.svc.StartDeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{
		ClientCredentials: ClientCredentials{ClientID: "spa"},
	})
	assert.Equal(t, "unauthorized_client", oauthCode(t, err))

	_, err = f.svc.StartDeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{
		ClientCredentials: ClientCredentials{ClientID: "tv"},
		Scopes:            []string{"reports"},
	})
	assert.Equal(t, "invalid_scope", oauthCode(t, err))
}

func TestDeviceFlowScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	resp := startDevice(t, f, "openid", "api", "offline_access")

	_, err := f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "authorization_pending", oauthCode(t, err))

	f.advance(time.Second)
	_, err = f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "slow_down", oauthCode(t, err))

	f.advance(10 * time.Second)
	_, err = f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "authorization_pending", oauthCode(t, err))

	pending, err := f.svc.LookupUserCode(ctx, strings.ToLower(resp.UserCode))
	require.NoError(t, err)
	assert.Equal(t, "tv", pending.Client.ID)
	assert.Equal(t, resp.UserCode, pending.UserCode)
	require.NoError(t, f.svc.VerifyUserCode(ctx, resp.UserCode, "alice", true))
	assert.ErrorIs(t, f.svc.VerifyUserCode(ctx, resp.UserCode, "bob", true), ErrUserCodeResolved)

	f.advance(10 * time.Second)
	tokens, err := f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)
	claims, err := f.tokens.ParseAccessToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	f.advance(10 * time.Second)
	_, err = f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "invalid_grant", oauthCode(t, err))
}

func TestDeviceFlowDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	resp := startDevice(t, f, "api")

	require.NoError(t, f.svc.VerifyUserCode(ctx, resp.UserCode, "alice", false))
	_, err := f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "access_denied", oauthCode(t, err))

	_, err = f.svc.LookupUserCode(ctx, resp.UserCode)
	assert.ErrorIs(t, err, ErrUnknownUserCode)
}

func TestDeviceFlowExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	resp := startDevice(t, f, "api")
	f.advance(16 * time.Minute)

	_, err := f.svc.LookupUserCode(ctx, resp.UserCode)
	assert.ErrorIs(t, err, ErrUserCodeExpired)
	assert.ErrorIs(t, f.svc.VerifyUserCode(ctx, resp.UserCode, "alice", true), ErrUserCodeExpired)

	_, err = f.svc.Token(ctx, pollRequest(resp.DeviceCode))
	assert.Equal(t, "expired_token", oauthCode(t, err))
}

func TestVerifyUnknownUserCode(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.VerifyUserCode(context.Background(), "BBBB-BBBB", "alice", true), ErrUnknownUserCode)
	_, err := f.svc.Token(context.Background(), pollRequest("no-such-device-code"))
	assert.Equal(t, "invalid_grant", oauthCode(t, err))
}

func TestUserCodeFormatting(t *testing.T) {
	assert.Equal(t, "BCDFGHJK", NormalizeUserCode("bcdf-ghjk"))
	assert.Equal(t, "BCDFGHJK", NormalizeUserCode(" BCDF GHJK "))
	assert.Equal(t, "BCDF-GHJK", FormatUserCode("BCDFGHJK"))
	assert.Equal(t, "ABC", FormatUserCode("ABC"))

	for i := 0; i < 50; i++ {
		code, err := generateUserCode()
		require.NoError(t, err)
		assert.Len(t, code, 8)
		assert.Equal(t, code, NormalizeUserCode(FormatUserCode(code)))
	}
}
