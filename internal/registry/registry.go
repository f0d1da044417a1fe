// Package registry holds the read-only catalogue of OAuth clients and scopes.
package registry

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrScopeNotFound  = errors.New("scope not found")
)

type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// ConsentType controls when the resource owner is asked to approve a client.
type ConsentType string

const (
	ConsentNone      ConsentType = "none"
	ConsentExplicit  ConsentType = "explicit"
	ConsentPermanent ConsentType = "permanent"
)

type Client struct {
	ID                     string      `yaml:"id" validate:"required"`
	DisplayName            string      `yaml:"display_name"`
	Type                   ClientType  `yaml:"type" validate:"oneof=public confidential"`
	ConsentType            ConsentType `yaml:"consent_type" validate:"omitempty,oneof=none explicit permanent"`
	SecretHash             string      `yaml:"secret_hash" validate:"required_if=Type confidential"`
	Permissions            []string    `yaml:"permissions"`
	RedirectURIs           []string    `yaml:"redirect_uris" validate:"dive,url"`
	PostLogoutRedirectURIs []string    `yaml:"post_logout_redirect_uris" validate:"dive,url"`
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasPermission matches permissions case-insensitively.
func (c *Client) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if strings.EqualFold(p, permission) {
			return true
		}
	}
	return false
}

// PermissionsWithPrefix returns the suffixes of every permission starting with prefix.
func (c *Client) PermissionsWithPrefix(prefix string) []string {
	var out []string
	for _, p := range c.Permissions {
		if len(p) > len(prefix) && strings.EqualFold(p[:len(prefix)], prefix) {
			out = append(out, p[len(prefix):])
		}
	}
	return out
}

// HasRedirectURI is an exact string comparison against the registered URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	for _, u := range c.PostLogoutRedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

type Scope struct {
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description"`
	Resources   []string `yaml:"resources"`
}

// Registry is the lookup surface the protocol engine needs.
type Registry interface {
	GetClient(ctx context.Context, id string) (*Client, error)
	// GetScopes returns the registered scopes among names; unknown names are skipped.
	GetScopes(ctx context.Context, names []string) ([]*Scope, error)
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// VerifySecret checks a presented secret against the client's bcrypt hash.
func VerifySecret(client *Client, secret string) bool {
	if client.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil
}

// HashSecret produces a bcrypt hash suitable for Client.SecretHash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Resources returns the de-duplicated union of the scopes' resources.
func Resources(scopes []*Scope) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range scopes {
		for _, r := range s.Resources {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}
