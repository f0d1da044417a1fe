package auth

import (
	"context"
	"net/url"
	"time"

	"authz-server/internal/audit"
	"authz-server/internal/gate"
	"authz-server/internal/registry"
	"authz-server/internal/store"
	"authz-server/pkg/crypto"
)

const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// AuthorizationRequest is the validated front-channel request. It is never persisted.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// ParseAuthorizationRequest reads the request parameters from a query or form.
func ParseAuthorizationRequest(v url.Values) *AuthorizationRequest {
	return &AuthorizationRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scopes:              ParseScope(v.Get("scope")),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Prompt:              v.Get("prompt"),
	}
}

// Values encodes the request back into parameters, for hidden form fields and login return URLs.
func (r *AuthorizationRequest) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", joinScopes(r.Scopes))
	set("state", r.State)
	set("nonce", r.Nonce)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("prompt", r.Prompt)
	return v
}

func (s *Service) redirectError(req *AuthorizationRequest, err *Error) *ErrorRedirect {
	return &ErrorRedirect{Err: err, RedirectURI: req.RedirectURI, State: req.State, Issuer: s.tokens.Issuer()}
}

// ValidateAuthorizationRequest checks the request. Failures before the redirect URI is
// trusted are plain errors; later failures are *ErrorRedirect.
func (s *Service) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*registry.Client, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.gate.Check(ctx, req.ClientID, gate.EndpointAuthorization)
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, InvalidRequest("redirect_uri is required")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, InvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return nil, s.redirectError(req, UnsupportedResponseType("only response_type=code is supported"))
	}
	if err := gate.Require(client, gate.ResponseTypeCode); err != nil {
		return nil, s.redirectError(req, AsError(err))
	}
	if err := gate.Require(client, gate.GrantAuthorizationCode); err != nil {
		return nil, s.redirectError(req, AsError(err))
	}
	if err := s.gate.CheckScopes(client, req.Scopes); err != nil {
		return nil, s.redirectError(req, AsError(err))
	}

	switch req.Prompt {
	case "", PromptNone, PromptLogin, PromptConsent:
	default:
		return nil, s.redirectError(req, InvalidRequest("unsupported prompt value"))
	}

	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return nil, s.redirectError(req, InvalidRequest("code_challenge_method without code_challenge"))
		}
		if client.IsPublic() {
			return nil, s.redirectError(req, InvalidRequest("code_challenge is required for public clients"))
		}
		return client, nil
	}
	method, err := crypto.NormalizeMethod(req.CodeChallengeMethod)
	if err != nil {
		return nil, s.redirectError(req, InvalidRequest("unsupported code_challenge_method"))
	}
	if !crypto.IsValidCodeChallenge(req.CodeChallenge) {
		return nil, s.redirectError(req, InvalidRequest("malformed code_challenge"))
	}
	req.CodeChallengeMethod = method
	return client, nil
}

// LoginRequired is the prompt=none answer for a request without a session.
func (s *Service) LoginRequired(req *AuthorizationRequest) *ErrorRedirect {
	return s.redirectError(req, LoginRequired())
}

type ConsentDecision int

const (
	AutoApprove ConsentDecision = iota
	RequireConsent
)

// EvaluateConsent decides whether the resource owner has to be asked. With prompt=none a
// required prompt becomes a consent_required redirect.
func (s *Service) EvaluateConsent(ctx context.Context, client *registry.Client, req *AuthorizationRequest, subject string) (ConsentDecision, error) {
	decision, err := s.consentDecision(ctx, client, req, subject)
	if err != nil {
		return RequireConsent, err
	}
	if decision == RequireConsent && req.Prompt == PromptNone {
		return RequireConsent, s.redirectError(req, ConsentRequired())
	}
	return decision, nil
}

func (s *Service) consentDecision(ctx context.Context, client *registry.Client, req *AuthorizationRequest, subject string) (ConsentDecision, error) {
	if client.ConsentType == registry.ConsentNone {
		return AutoApprove, nil
	}
	if req.Prompt == PromptConsent {
		return RequireConsent, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	existing, err := s.store.FindAuthorizations(ctx, subject, client.ID)
	if err != nil {
		return RequireConsent, storageError("find authorizations", err)
	}
	for _, a := range existing {
		if a.Covers(req.Scopes) {
			return AutoApprove, nil
		}
	}
	return RequireConsent, nil
}

// Approve records consent for grantedScopes and returns the redirect carrying a fresh code.
// A nil grantedScopes approves everything requested; it may only narrow the request.
func (s *Service) Approve(ctx context.Context, client *registry.Client, req *AuthorizationRequest, subject string, authTime time.Time, grantedScopes []string) (string, error) {
	if grantedScopes == nil {
		grantedScopes = req.Scopes
	}
	if !isSubset(grantedScopes, req.Scopes) {
		return "", s.redirectError(req, InvalidScope("granted scopes exceed the request"))
	}
	if hasScope(req.Scopes, gate.ScopeOpenID) && !hasScope(grantedScopes, gate.ScopeOpenID) {
		grantedScopes = append([]string{gate.ScopeOpenID}, grantedScopes...)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	kind := store.AuthorizationPermanent
	if client.ConsentType == registry.ConsentExplicit {
		kind = store.AuthorizationAdHoc
	}
	record := &store.Authorization{
		Subject:   subject,
		ClientID:  client.ID,
		Scopes:    grantedScopes,
		Status:    store.AuthorizationValid,
		Type:      kind,
		CreatedAt: now,
	}
	if err := s.store.SaveAuthorization(ctx, record); err != nil {
		return "", storageError("save authorization", err)
	}

	raw, err := crypto.RandomToken(32)
	if err != nil {
		return "", err
	}
	code := &store.AuthorizationCode{
		Hash:                store.Hash(raw),
		ClientID:            client.ID,
		Subject:             subject,
		Scopes:              grantedScopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.Auth.AuthorizationCodeTTL),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		return "", storageError("create authorization code", err)
	}

	s.metrics.IncrementAuthorizationCodes()
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.ConsentGranted,
		ClientID: client.ID,
		Subject:  subject,
		Fields:   map[string]interface{}{"scopes": grantedScopes, "authorization_id": record.ID, "type": string(kind)},
	})
	s.audit.Emit(ctx, audit.Event{Type: audit.AuthorizationCodeIssued, ClientID: client.ID, Subject: subject})

	params := url.Values{"code": {raw}, "iss": {s.tokens.Issuer()}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, params), nil
}

// Deny records the refusal and returns the access_denied redirect.
func (s *Service) Deny(ctx context.Context, client *registry.Client, req *AuthorizationRequest, subject string) string {
	s.audit.Emit(ctx, audit.Event{Type: audit.ConsentDenied, ClientID: client.ID, Subject: subject})
	return s.redirectError(req, AccessDenied("the resource owner denied the request")).URL()
}

// ScopeDetails resolves descriptions for the consent page. Unregistered scopes keep their name.
func (s *Service) ScopeDetails(ctx context.Context, names []string) ([]*registry.Scope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	known, err := s.registry.GetScopes(ctx, names)
	if err != nil {
		return nil, storageError("load scopes", err)
	}
	byName := make(map[string]*registry.Scope, len(known))
	for _, sc := range known {
		byName[sc.Name] = sc
	}
	out := make([]*registry.Scope, 0, len(names))
	for _, n := range names {
		if sc, ok := byName[n]; ok {
			out = append(out, sc)
			continue
		}
		out = append(out, &registry.Scope{Name: n})
	}
	return out, nil
}
