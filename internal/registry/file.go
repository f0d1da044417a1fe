package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type document struct {
	Clients []*Client `yaml:"clients" validate:"dive"`
	Scopes  []*Scope  `yaml:"scopes" validate:"dive"`
}

// FileRegistry serves clients and scopes loaded once from a YAML document.
type FileRegistry struct {
	clients map[string]*Client
	scopes  map[string]*Scope
	order   []string
}

// LoadFile reads and validates a registry document from disk.
func LoadFile(path string) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Parse(data)
}

// Parse builds a FileRegistry from YAML bytes.
func Parse(data []byte) (*FileRegistry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate registry: %w", err)
	}

	r := &FileRegistry{
		clients: make(map[string]*Client, len(doc.Clients)),
		scopes:  make(map[string]*Scope, len(doc.Scopes)),
	}
	for _, c := range doc.Clients {
		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("validate registry: duplicate client %q", c.ID)
		}
		if c.ConsentType == "" {
			c.ConsentType = ConsentExplicit
		}
		r.clients[c.ID] = c
	}
	for _, s := range doc.Scopes {
		if _, dup := r.scopes[s.Name]; dup {
			return nil, fmt.Errorf("validate registry: duplicate scope %q", s.Name)
		}
		r.scopes[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r, nil
}

func (r *FileRegistry) GetClient(_ context.Context, id string) (*Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *FileRegistry) GetScopes(_ context.Context, names []string) ([]*Scope, error) {
	out := make([]*Scope, 0, len(names))
	for _, n := range names {
		if s, ok := r.scopes[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *FileRegistry) ListScopes(_ context.Context) ([]*Scope, error) {
	out := make([]*Scope, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.scopes[n])
	}
	return out, nil
}
