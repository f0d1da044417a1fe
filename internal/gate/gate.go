// Package gate decides whether a client may use an endpoint, grant type, response type or scope.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"authz-server/internal/registry"
)

const (
	EndpointAuthorization = "ept:authorization"
	EndpointToken         = "ept:token"
	EndpointDevice        = "ept:device"
	EndpointIntrospection = "ept:introspection"
	EndpointRevocation    = "ept:revocation"
	EndpointLogout        = "ept:logout"

	GrantAuthorizationCode = "gt:authorization_code"
	GrantRefreshToken      = "gt:refresh_token"
	GrantClientCredentials = "gt:client_credentials"
	GrantDeviceCode        = "gt:urn:ietf:params:oauth:grant-type:device_code"

	ResponseTypeCode = "rst:code"

	ScopePrefix = "scp:"
	GrantPrefix = "gt:"
)

const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

var (
	ErrInvalidClient      = errors.New("invalid_client")
	ErrUnauthorizedClient = errors.New("unauthorized_client")
	ErrInvalidScope       = errors.New("invalid_scope")
)

// Denial is returned when a check fails. Kind is one of the Err* sentinels.
type Denial struct {
	Kind        error
	Description string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Kind, d.Description)
}

func (d *Denial) Unwrap() error {
	return d.Kind
}

func deny(kind error, format string, args ...interface{}) *Denial {
	return &Denial{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Grant turns a grant_type value into its permission.
func Grant(grantType string) string {
	return GrantPrefix + grantType
}

// Scope turns a scope name into its permission.
func Scope(name string) string {
	return ScopePrefix + name
}

type Gate struct {
	registry registry.Registry
}

func New(reg registry.Registry) *Gate {
	return &Gate{registry: reg}
}

// Check loads the client and verifies it holds permission. It never changes state.
func (g *Gate) Check(ctx context.Context, clientID, permission string) (*registry.Client, error) {
	if clientID == "" {
		return nil, deny(ErrInvalidClient, "client_id is required")
	}
	client, err := g.registry.GetClient(ctx, clientID)
	if errors.Is(err, registry.ErrClientNotFound) {
		return nil, deny(ErrInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if err := Require(client, permission); err != nil {
		return nil, err
	}
	return client, nil
}

// Require checks a permission on an already loaded client.
func Require(client *registry.Client, permission string) error {
	if !client.HasPermission(permission) {
		return deny(ErrUnauthorizedClient, "client is not allowed to use %s", strings.TrimPrefix(strings.TrimPrefix(permission, "ept:"), GrantPrefix))
	}
	return nil
}

// CheckScopes verifies every requested scope is permitted to the client.
func (g *Gate) CheckScopes(client *registry.Client, scopes []string) error {
	for _, s := range scopes {
		switch s {
		case ScopeOpenID:
			continue
		case ScopeOfflineAccess:
			if !client.HasPermission(GrantRefreshToken) {
				return deny(ErrInvalidScope, "offline_access requires the refresh_token grant")
			}
		default:
			if !client.HasPermission(Scope(s)) {
				return deny(ErrInvalidScope, "scope %q is not allowed", s)
			}
		}
	}
	return nil
}

// ClientID extracts the caller's client id from HTTP Basic credentials, the form body or the query.
func ClientID(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		if id, err := url.QueryUnescape(user); err == nil {
			return id
		}
		return user
	}
	return strings.TrimSpace(r.FormValue("client_id"))
}

// Renderer writes a gate failure in the endpoint's own format.
type Renderer func(w http.ResponseWriter, r *http.Request, err error)

// Middleware guards a route with a permission and stores the client in the request context.
func (g *Gate) Middleware(permission string, render Renderer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, err := g.Check(r.Context(), ClientID(r), permission)
			if err != nil {
				render(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
		})
	}
}

type contextKey struct{}

func WithClient(ctx context.Context, client *registry.Client) context.Context {
	return context.WithValue(ctx, contextKey{}, client)
}

// ClientFromContext returns the client admitted by Middleware, or nil.
func ClientFromContext(ctx context.Context) *registry.Client {
	client, _ := ctx.Value(contextKey{}).(*registry.Client)
	return client
}
