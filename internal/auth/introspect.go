package auth

import (
	"context"
	"errors"
	"net/url"

	"authz-server/internal/audit"
	"authz-server/internal/gate"
	"authz-server/internal/logging"
	"authz-server/internal/registry"
	"authz-server/internal/store"
)

type IntrospectionRequest struct {
	ClientCredentials
	Token         string
	TokenTypeHint string
}

type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

// inactive is the only answer a caller gets for a token it may not inspect.
func inactive() *IntrospectionResponse {
	return &IntrospectionResponse{Active: false}
}

// Introspect reports whether a token is active. Only the token's client or one of its
// audiences learns anything beyond active=false.
func (s *Service) Introspect(ctx context.Context, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	caller, err := s.authenticateClient(ctx, req.ClientCredentials, gate.EndpointIntrospection)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, InvalidRequest("token is required")
	}

	if claims, err := s.tokens.ParseAccessToken(req.Token); err == nil {
		allowed := claims.ClientID == caller.ID
		for _, aud := range claims.Audience {
			allowed = allowed || aud == caller.ID
		}
		if !allowed {
			return inactive(), nil
		}
		resp := &IntrospectionResponse{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			Audience:  claims.Audience,
			Issuer:    claims.Issuer,
			TokenID:   claims.ID,
			TokenType: "Bearer",
		}
		if claims.ExpiresAt != nil {
			resp.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
		return resp, nil
	}

	rt, err := s.store.GetRefreshToken(ctx, store.Hash(req.Token))
	if errors.Is(err, store.ErrNotFound) {
		return inactive(), nil
	}
	if err != nil {
		return nil, storageError("load refresh token", err)
	}
	if rt.Revoked || rt.Consumed || rt.Expired(s.now()) || rt.ClientID != caller.ID {
		return inactive(), nil
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     joinScopes(rt.Scopes),
		ClientID:  rt.ClientID,
		Subject:   rt.Subject,
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.CreatedAt.Unix(),
		Issuer:    s.tokens.Issuer(),
		TokenType: "refresh_token",
	}, nil
}

type RevocationRequest struct {
	ClientCredentials
	Token         string
	TokenTypeHint string
}

// Revoke revokes the lineage of a refresh token owned by the caller. Unknown tokens and
// self-contained access tokens are accepted silently.
func (s *Service) Revoke(ctx context.Context, req *RevocationRequest) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	caller, err := s.authenticateClient(ctx, req.ClientCredentials, gate.EndpointRevocation)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return InvalidRequest("token is required")
	}

	rt, err := s.store.GetRefreshToken(ctx, store.Hash(req.Token))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError("load refresh token", err)
	}
	if rt.ClientID != caller.ID {
		return nil
	}
	if err := s.store.RevokeLineage(ctx, rt.Lineage); err != nil {
		return storageError("revoke lineage", err)
	}
	s.metrics.IncrementTokensRevoked()
	s.audit.Emit(ctx, audit.Event{Type: audit.TokenRevoked, ClientID: caller.ID, Subject: rt.Subject})
	return nil
}

type LogoutRequest struct {
	ClientID              string
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
}

// ResolveLogout returns where to send the browser after the session ends, or "" when the
// request does not name a registered post-logout redirect URI.
func (s *Service) ResolveLogout(ctx context.Context, req *LogoutRequest, subject string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	clientID := req.ClientID
	if req.IDTokenHint != "" {
		hintClient, ok := s.clientFromHint(ctx, req.IDTokenHint, subject)
		if !ok || (clientID != "" && clientID != hintClient) {
			clientID = ""
		} else {
			clientID = hintClient
		}
	}

	s.audit.Emit(ctx, audit.Event{Type: audit.Logout, ClientID: clientID, Subject: subject})

	if clientID == "" || req.PostLogoutRedirectURI == "" {
		return "", nil
	}
	client, err := s.gate.Check(ctx, clientID, gate.EndpointLogout)
	if err != nil {
		var denial *gate.Denial
		if errors.As(err, &denial) {
			return "", nil
		}
		return "", err
	}
	if !client.HasPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
		return "", nil
	}
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return appendQuery(req.PostLogoutRedirectURI, params), nil
}

// LogoutClient resolves the client named by a logout request, for the confirmation page.
func (s *Service) LogoutClient(ctx context.Context, clientID string) *registry.Client {
	if clientID == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	client, err := s.registry.GetClient(ctx, clientID)
	if err != nil {
		return nil
	}
	return client
}

func (s *Service) clientFromHint(ctx context.Context, hint, subject string) (string, bool) {
	claims, err := s.tokens.ParseIDTokenHint(hint)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Debug("Ignoring invalid id_token_hint")
		return "", false
	}
	if sub, _ := claims.GetSubject(); subject != "" && sub != subject {
		return "", false
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", false
	}
	return aud[0], true
}
