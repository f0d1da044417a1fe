// Package oidc builds the discovery document and the published key set.
package oidc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"authz-server/internal/auth"
	"authz-server/internal/config"
	"authz-server/internal/gate"
	"authz-server/internal/registry"
	"authz-server/pkg/crypto"
	"authz-server/pkg/jwks"
	jwtpkg "authz-server/pkg/jwt"
)

type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported"`
}

type Provider struct {
	baseURL  string
	tokens   *jwtpkg.Manager
	keys     *jwks.KeyManager
	registry registry.Registry
}

// NewProvider publishes keys only when tokens are RS256 signed; keys may be nil for HS256.
func NewProvider(cfg *config.Config, tokens *jwtpkg.Manager, keys *jwks.KeyManager, reg registry.Registry) *Provider {
	return &Provider{
		baseURL:  strings.TrimRight(cfg.Server.BaseURL, "/"),
		tokens:   tokens,
		keys:     keys,
		registry: reg,
	}
}

// Discovery assembles the document from the registry's scopes and the engine's capabilities.
func (p *Provider) Discovery(ctx context.Context) (*Discovery, error) {
	scopes, err := p.SupportedScopes(ctx)
	if err != nil {
		return nil, err
	}
	return &Discovery{
		Issuer:                            p.tokens.Issuer(),
		AuthorizationEndpoint:             p.baseURL + "/authorize",
		TokenEndpoint:                     p.baseURL + "/token",
		DeviceAuthorizationEndpoint:       p.baseURL + "/device",
		IntrospectionEndpoint:             p.baseURL + "/introspect",
		RevocationEndpoint:                p.baseURL + "/revoke",
		EndSessionEndpoint:                p.baseURL + "/logout",
		JWKSURI:                           p.baseURL + "/.well-known/jwks.json",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               auth.SupportedGrantTypes(),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{p.tokens.Algorithm()},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ClaimsSupported:                   SupportedClaims(),
		CodeChallengeMethodsSupported:     crypto.SupportedMethods(),
		PromptValuesSupported:             []string{auth.PromptNone, auth.PromptLogin, auth.PromptConsent},
		AuthorizationResponseIssParameter: true,
	}, nil
}

// SupportedScopes lists registered scopes plus the two the server handles itself.
func (p *Provider) SupportedScopes(ctx context.Context) ([]string, error) {
	registered, err := p.registry.ListScopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	seen := map[string]bool{gate.ScopeOpenID: true, gate.ScopeOfflineAccess: true}
	out := []string{gate.ScopeOpenID, gate.ScopeOfflineAccess}
	names := make([]string, 0, len(registered))
	for _, s := range registered {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return append(out, names...), nil
}

// KeySet returns the public signing keys. HS256 deployments publish an empty set.
func (p *Provider) KeySet() *jwks.JWKSet {
	if p.keys == nil {
		return &jwks.JWKSet{Keys: []jwks.JWK{}}
	}
	return p.keys.GetJWKSet()
}

func SupportedClaims() []string {
	return []string{
		"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp",
		"name", "preferred_username", "email", "email_verified", "roles",
	}
}
