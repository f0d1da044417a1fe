// Package principal builds the identity a token is issued for.
package principal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authz-server/internal/registry"
)

var ErrUnknownSubject = errors.New("unknown subject")

// Identity is what the user directory knows about a resource owner.
type Identity struct {
	Subject           string   `yaml:"subject" validate:"required"`
	Name              string   `yaml:"name"`
	PreferredUsername string   `yaml:"preferred_username"`
	Email             string   `yaml:"email" validate:"omitempty,email"`
	EmailVerified     bool     `yaml:"email_verified"`
	Roles             []string `yaml:"roles"`
	Permissions       []string `yaml:"permissions"`
}

// IdentityProvider resolves subjects issued by the login collaborator.
type IdentityProvider interface {
	Identity(ctx context.Context, subject string) (*Identity, error)
}

// Principal is assembled per token request and never persisted.
type Principal struct {
	Subject     string
	ClientID    string
	Roles       []string
	Permissions []string
	Scopes      []string
	Audiences   []string
	Claims      map[string]interface{}
	AuthTime    time.Time
}

// TokenSubject is the sub claim: the user, or the client itself for client credentials.
func (p *Principal) TokenSubject() string {
	if p.Subject == "" {
		return p.ClientID
	}
	return p.Subject
}

func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type Assembler struct {
	identities IdentityProvider
	registry   registry.Registry
}

func NewAssembler(identities IdentityProvider, reg registry.Registry) *Assembler {
	return &Assembler{identities: identities, registry: reg}
}

// ForSubject builds the principal for a user-delegated grant.
func (a *Assembler) ForSubject(ctx context.Context, subject string, client *registry.Client, scopes []string, authTime time.Time) (*Principal, error) {
	id, err := a.identities.Identity(ctx, subject)
	if err != nil {
		return nil, err
	}
	audiences, err := a.audiences(ctx, scopes)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		Subject:     id.Subject,
		ClientID:    client.ID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
		Scopes:      scopes,
		Audiences:   audiences,
		Claims:      make(map[string]interface{}),
		AuthTime:    authTime,
	}
	if p.HasScope("profile") {
		setIfPresent(p.Claims, "name", id.Name)
		setIfPresent(p.Claims, "preferred_username", id.PreferredUsername)
	}
	if p.HasScope("email") && id.Email != "" {
		p.Claims["email"] = id.Email
		p.Claims["email_verified"] = id.EmailVerified
	}
	if p.HasScope("roles") && len(id.Roles) > 0 {
		p.Claims["roles"] = id.Roles
	}
	return p, nil
}

// ForClient builds the principal for a client acting on its own behalf.
func (a *Assembler) ForClient(ctx context.Context, client *registry.Client, scopes []string) (*Principal, error) {
	audiences, err := a.audiences(ctx, scopes)
	if err != nil {
		return nil, err
	}
	return &Principal{
		ClientID:  client.ID,
		Scopes:    scopes,
		Audiences: audiences,
		Claims:    make(map[string]interface{}),
	}, nil
}

func (a *Assembler) audiences(ctx context.Context, scopes []string) ([]string, error) {
	registered, err := a.registry.GetScopes(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("resolve scope resources: %w", err)
	}
	return registry.Resources(registered), nil
}

func setIfPresent(claims map[string]interface{}, key, value string) {
	if value != "" {
		claims[key] = value
	}
}
