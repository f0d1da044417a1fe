// Package auth is the protocol engine: it drives the authorization, device, token,
// introspection, revocation and logout flows over the registry, grant store and token signer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authz-server/internal/audit"
	"authz-server/internal/config"
	"authz-server/internal/gate"
	"authz-server/internal/logging"
	"authz-server/internal/monitoring"
	"authz-server/internal/principal"
	"authz-server/internal/registry"
	"authz-server/internal/store"
	jwtpkg "authz-server/pkg/jwt"
)

// Deps are the collaborators of a Service. Gate, Audit and Metrics fall back to defaults
// when nil.
type Deps struct {
	Registry   registry.Registry
	Store      store.Store
	Tokens     *jwtpkg.Manager
	Principals *principal.Assembler
	Gate       *gate.Gate
	Audit      audit.Emitter
	Metrics    *monitoring.Service
}

// Service runs the authorization, device, token, introspection, revocation and logout
// flows. It is safe for concurrent use.
type Service struct {
	config     *config.Config
	registry   registry.Registry
	store      store.Store
	tokens     *jwtpkg.Manager
	principals *principal.Assembler
	gate       *gate.Gate
	audit      audit.Emitter
	metrics    *monitoring.Service
	now        func() time.Time
}

// NewService wires a Service from cfg and deps.
func NewService(cfg *config.Config, deps Deps) *Service {
	s := &Service{
		config:     cfg,
		registry:   deps.Registry,
		store:      deps.Store,
		tokens:     deps.Tokens,
		principals: deps.Principals,
		gate:       deps.Gate,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		now:        time.Now,
	}
	if s.gate == nil {
		s.gate = gate.New(deps.Registry)
	}
	if s.audit == nil {
		s.audit = audit.NewLogEmitter(logging.Nop())
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewService()
	}
	return s
}

func (s *Service) Gate() *gate.Gate {
	return s.gate
}

func (s *Service) Tokens() *jwtpkg.Manager {
	return s.tokens
}

// withTimeout bounds every storage round trip of one engine call.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.Storage.Timeout)
}

// ClientCredentials is what the caller presented to authenticate itself.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// authenticateClient admits a client to an endpoint. Confidential clients must present
// their secret; public clients must not present one.
func (s *Service) authenticateClient(ctx context.Context, creds ClientCredentials, permission string) (*registry.Client, error) {
	client, err := s.gate.Check(ctx, creds.ClientID, permission)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		if creds.ClientSecret != "" {
			return nil, InvalidClient("public clients must not authenticate with a secret")
		}
		return client, nil
	}
	if creds.ClientSecret == "" || !registry.VerifySecret(client, creds.ClientSecret) {
		return nil, InvalidClient("client authentication failed")
	}
	return client, nil
}

// ParseScope splits a space separated scope parameter, dropping duplicates.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// isSubset reports whether every element of narrow appears in wide.
func isSubset(narrow, wide []string) bool {
	for _, s := range narrow {
		if !hasScope(wide, s) {
			return false
		}
	}
	return true
}

// storageError keeps OAuth errors intact and wraps everything else for AsError.
func storageError(op string, err error) error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
