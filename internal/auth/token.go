package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"authz-server/internal/audit"
	"authz-server/internal/gate"
	"authz-server/internal/logging"
	"authz-server/internal/principal"
	"authz-server/internal/registry"
	"authz-server/internal/store"
	"authz-server/pkg/crypto"
	jwtpkg "authz-server/pkg/jwt"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// SupportedGrantTypes lists the grant types the token endpoint dispatches.
func SupportedGrantTypes() []string {
	return []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials, GrantTypeDeviceCode}
}

type TokenRequest struct {
	ClientCredentials
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scopes       []string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token authenticates the client and runs the requested grant.
func (s *Service) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.authenticateClient(ctx, req.ClientCredentials, gate.EndpointToken)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials, GrantTypeDeviceCode:
	case "":
		return nil, InvalidRequest("grant_type is required")
	default:
		return nil, UnsupportedGrantType("grant type is not supported")
	}
	if err := gate.Require(client, gate.Grant(req.GrantType)); err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return s.refresh(ctx, client, req)
	case GrantTypeDeviceCode:
		return s.pollDevice(ctx, client, req)
	default:
		return s.clientCredentials(ctx, client, req)
	}
}

func (s *Service) exchangeAuthorizationCode(ctx context.Context, client *registry.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, InvalidRequest("code is required")
	}
	hash := store.Hash(req.Code)
	code, err := s.store.GetAuthorizationCode(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant("authorization code is invalid")
	}
	if err != nil {
		return nil, storageError("load authorization code", err)
	}

	if code.Consumed {
		s.revokeReplayedCode(ctx, client, code)
		return nil, InvalidGrant("authorization code is invalid")
	}
	if code.Expired(s.now()) || code.ClientID != client.ID {
		return nil, InvalidGrant("authorization code is invalid")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, InvalidGrant("redirect_uri does not match the authorization request")
	}
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, InvalidGrant("code_verifier is required")
		}
		if err := crypto.VerifyCodeChallenge(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
			return nil, InvalidGrant("code_verifier does not match the code challenge")
		}
	} else if req.CodeVerifier != "" {
		return nil, InvalidGrant("code_verifier sent for a code issued without a challenge")
	}

	p, err := s.principals.ForSubject(ctx, code.Subject, client, code.Scopes, code.AuthTime)
	if err != nil {
		return nil, s.principalError(err)
	}
	lineage := uuid.NewString()
	g, err := s.prepare(ctx, client, p, GrantTypeAuthorizationCode, issueOptions{lineage: lineage, nonce: code.Nonce, refreshScopes: code.Scopes})
	if err != nil {
		return nil, err
	}

	if err := s.store.ConsumeAuthorizationCode(ctx, hash, lineage); err != nil {
		s.discard(ctx, g)
		switch {
		case errors.Is(err, store.ErrAlreadyConsumed):
			// Lost a concurrent redemption; the winner's lineage is revoked like any replay.
			if winner, lookupErr := s.store.GetAuthorizationCode(ctx, hash); lookupErr == nil {
				code = winner
			}
			s.revokeReplayedCode(ctx, client, code)
			return nil, InvalidGrant("authorization code is invalid")
		case errors.Is(err, store.ErrNotFound):
			return nil, InvalidGrant("authorization code is invalid")
		}
		return nil, storageError("consume authorization code", err)
	}
	return s.deliver(ctx, client, g), nil
}

// revokeReplayedCode answers a second redemption by revoking whatever the first one minted.
func (s *Service) revokeReplayedCode(ctx context.Context, client *registry.Client, code *store.AuthorizationCode) {
	logger := logging.FromContext(ctx)
	if code.Lineage != "" {
		if err := s.store.RevokeLineage(ctx, code.Lineage); err != nil {
			logger.WithError(err).Error("Failed to revoke tokens minted from a replayed authorization code")
		} else {
			s.metrics.IncrementTokensRevoked()
		}
	}
	logger.WarnEvent().Str("client_id", client.ID).Str("subject", code.Subject).Msg("Authorization code replay detected")
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.AuthorizationCodeReplayed,
		ClientID: client.ID,
		Subject:  code.Subject,
		Fields:   map[string]interface{}{"lineage": code.Lineage},
	})
}

func (s *Service) refresh(ctx context.Context, client *registry.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, InvalidRequest("refresh_token is required")
	}
	hash := store.Hash(req.RefreshToken)
	old, err := s.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant("refresh token is invalid")
	}
	if err != nil {
		return nil, storageError("load refresh token", err)
	}
	if old.ClientID != client.ID || old.Revoked || old.Expired(s.now()) {
		return nil, InvalidGrant("refresh token is invalid")
	}

	scopes := old.Scopes
	if len(req.Scopes) > 0 {
		if !isSubset(req.Scopes, old.Scopes) {
			return nil, InvalidScope("requested scope exceeds the original grant")
		}
		scopes = req.Scopes
	}

	p, err := s.principals.ForSubject(ctx, old.Subject, client, scopes, old.AuthTime)
	if err != nil {
		return nil, s.principalError(err)
	}
	g, err := s.prepare(ctx, client, p, GrantTypeRefreshToken, issueOptions{})
	if err != nil {
		return nil, err
	}

	raw, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next := &store.RefreshToken{
		Hash:      store.Hash(raw),
		ClientID:  client.ID,
		Subject:   old.Subject,
		Scopes:    old.Scopes,
		AuthTime:  old.AuthTime,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.Auth.RefreshTokenTTL),
	}
	err = s.store.RotateRefreshToken(ctx, hash, next)
	switch {
	case errors.Is(err, store.ErrTokenReused):
		s.reuseDetected(ctx, old)
		return nil, InvalidGrant("refresh token is invalid")
	case errors.Is(err, store.ErrRevoked), errors.Is(err, store.ErrNotFound):
		return nil, InvalidGrant("refresh token is invalid")
	case err != nil:
		return nil, storageError("rotate refresh token", err)
	}

	g.resp.RefreshToken = raw
	return s.deliver(ctx, client, g), nil
}

func (s *Service) reuseDetected(ctx context.Context, token *store.RefreshToken) {
	s.metrics.IncrementTokensRevoked()
	logging.FromContext(ctx).WarnEvent().
		Str("client_id", token.ClientID).
		Str("subject", token.Subject).
		Str("lineage", token.Lineage).
		Msg("Refresh token reuse detected, lineage revoked")
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.RefreshTokenReuseDetected,
		ClientID: token.ClientID,
		Subject:  token.Subject,
		Fields:   map[string]interface{}{"lineage": token.Lineage},
	})
}

func (s *Service) pollDevice(ctx context.Context, client *registry.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.DeviceCode == "" {
		return nil, InvalidRequest("device_code is required")
	}
	hash := store.Hash(req.DeviceCode)
	current, err := s.store.GetDeviceSession(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant("device code is invalid")
	}
	if err != nil {
		return nil, storageError("load device session", err)
	}

	// An approved session is turned into tokens before the poll consumes it.
	var g *grant
	if current.ClientID == client.ID && current.Status == store.DeviceAuthorized && !current.Expired(s.now()) {
		if g, err = s.prepareDevice(ctx, client, current); err != nil {
			return nil, err
		}
	}

	outcome, session, err := s.store.PollDeviceSession(ctx, hash, client.ID, s.now())
	if outcome != store.PollAuthorized || err != nil {
		s.discard(ctx, g)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant("device code is invalid")
	}
	if err != nil {
		return nil, storageError("poll device session", err)
	}
	s.metrics.RecordDevicePoll(outcome.String())

	switch outcome {
	case store.PollPending:
		return nil, AuthorizationPending()
	case store.PollSlowDown:
		return nil, SlowDown()
	case store.PollExpired:
		return nil, ExpiredToken()
	case store.PollDenied:
		return nil, AccessDenied("the resource owner denied the request")
	}

	if g == nil {
		// Approved between the lookup and the poll.
		if g, err = s.prepareDevice(ctx, client, session); err != nil {
			return nil, err
		}
	}
	return s.deliver(ctx, client, g), nil
}

func (s *Service) prepareDevice(ctx context.Context, client *registry.Client, session *store.DeviceSession) (*grant, error) {
	p, err := s.principals.ForSubject(ctx, session.Subject, client, session.Scopes, session.AuthTime)
	if err != nil {
		return nil, s.principalError(err)
	}
	return s.prepare(ctx, client, p, GrantTypeDeviceCode, issueOptions{lineage: uuid.NewString(), refreshScopes: session.Scopes})
}

func (s *Service) clientCredentials(ctx context.Context, client *registry.Client, req *TokenRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, UnauthorizedClient("public clients cannot use client_credentials")
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = client.PermissionsWithPrefix(gate.ScopePrefix)
	}
	for _, sc := range scopes {
		if sc == gate.ScopeOpenID || sc == gate.ScopeOfflineAccess {
			return nil, InvalidScope(fmt.Sprintf("%s needs a resource owner", sc))
		}
	}
	if err := s.gate.CheckScopes(client, scopes); err != nil {
		return nil, err
	}

	p, err := s.principals.ForClient(ctx, client, scopes)
	if err != nil {
		return nil, storageError("assemble principal", err)
	}
	return s.issue(ctx, client, p, GrantTypeClientCredentials, issueOptions{})
}

func (s *Service) principalError(err error) error {
	if errors.Is(err, principal.ErrUnknownSubject) {
		return InvalidGrant("the resource owner no longer exists")
	}
	return storageError("assemble principal", err)
}

type issueOptions struct {
	// lineage starts a new refresh token family; empty means no refresh token is minted here.
	lineage       string
	nonce         string
	refreshScopes []string
}

func (s *Service) issue(ctx context.Context, client *registry.Client, p *principal.Principal, grantType string, opts issueOptions) (*TokenResponse, error) {
	g, err := s.prepare(ctx, client, p, grantType, opts)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, client, g), nil
}

// grant is a signed token response that has not been handed to the client yet.
type grant struct {
	resp        *TokenResponse
	principal   *principal.Principal
	grantType   string
	refreshHash string
}

// prepare signs the tokens for p and stores the refresh token of a new lineage. Nothing
// is consumed here, so a failure leaves the presented grant redeemable.
func (s *Service) prepare(ctx context.Context, client *registry.Client, p *principal.Principal, grantType string, opts issueOptions) (*grant, error) {
	accessToken, _, err := s.tokens.IssueAccessToken(jwtpkg.AccessToken{
		Subject:     p.TokenSubject(),
		ClientID:    client.ID,
		Scopes:      p.Scopes,
		Audiences:   p.Audiences,
		Roles:       p.Roles,
		Permissions: p.Permissions,
		TTL:         s.config.Auth.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	g := &grant{
		resp: &TokenResponse{
			AccessToken: accessToken,
			TokenType:   "Bearer",
			ExpiresIn:   int64(s.config.Auth.AccessTokenTTL.Seconds()),
			Scope:       joinScopes(p.Scopes),
		},
		principal: p,
		grantType: grantType,
	}

	if p.Subject != "" && p.HasScope(gate.ScopeOpenID) {
		idToken, err := s.tokens.IssueIDToken(jwtpkg.IDToken{
			Subject:  p.Subject,
			ClientID: client.ID,
			Nonce:    opts.nonce,
			AuthTime: p.AuthTime,
			Claims:   p.Claims,
			TTL:      s.config.Auth.IDTokenTTL,
		})
		if err != nil {
			return nil, err
		}
		g.resp.IDToken = idToken
	}

	if opts.lineage != "" && p.HasScope(gate.ScopeOfflineAccess) && client.HasPermission(gate.GrantRefreshToken) {
		raw, err := crypto.RandomToken(32)
		if err != nil {
			return nil, err
		}
		now := s.now()
		refresh := &store.RefreshToken{
			Hash:      store.Hash(raw),
			Lineage:   opts.lineage,
			ClientID:  client.ID,
			Subject:   p.Subject,
			Scopes:    opts.refreshScopes,
			AuthTime:  p.AuthTime,
			CreatedAt: now,
			ExpiresAt: now.Add(s.config.Auth.RefreshTokenTTL),
		}
		if err := s.store.CreateRefreshToken(ctx, refresh); err != nil {
			return nil, storageError("create refresh token", err)
		}
		g.resp.RefreshToken = raw
		g.refreshHash = refresh.Hash
	}
	return g, nil
}

// discard revokes the refresh token of a grant that will never reach the client.
func (s *Service) discard(ctx context.Context, g *grant) {
	if g == nil || g.refreshHash == "" {
		return
	}
	if err := s.store.RevokeRefreshToken(ctx, g.refreshHash); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.FromContext(ctx).WithError(err).Warn("Failed to revoke an undelivered refresh token")
	}
}

func (s *Service) deliver(ctx context.Context, client *registry.Client, g *grant) *TokenResponse {
	s.metrics.IncrementTokensIssued(g.grantType)
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.TokenIssued,
		ClientID: client.ID,
		Subject:  g.principal.Subject,
		Fields:   map[string]interface{}{"grant_type": g.grantType, "scopes": g.principal.Scopes, "refresh": g.resp.RefreshToken != ""},
	})
	return g.resp
}
