package principal

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StaticDirectory is an IdentityProvider backed by a YAML file, for development and tests.
type StaticDirectory struct {
	identities map[string]*Identity
}

func NewStaticDirectory(identities ...*Identity) *StaticDirectory {
	d := &StaticDirectory{identities: make(map[string]*Identity, len(identities))}
	for _, id := range identities {
		d.identities[id.Subject] = id
	}
	return d
}

// LoadDirectory reads `identities:` entries from a YAML file.
func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var doc struct {
		Identities []*Identity `yaml:"identities" validate:"dive"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate identity file: %w", err)
	}
	return NewStaticDirectory(doc.Identities...), nil
}

func (d *StaticDirectory) Identity(_ context.Context, subject string) (*Identity, error) {
	id, ok := d.identities[subject]
	if !ok {
		return nil, ErrUnknownSubject
	}
	cp := *id
	return &cp, nil
}
