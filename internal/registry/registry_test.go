package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument(t *testing.T) []byte {
	t.Helper()
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)

	return []byte(fmt.Sprintf(`
clients:
  - id: spa
    display_name: Single Page App
    type: public
    consent_type: explicit
    permissions: [ept:authorization, ept:token, gt:authorization_code, rst:code, scp:api]
    redirect_uris: [https://app.example.com/callback]
  - id: backend
    type: confidential
    secret_hash: %q
    permissions: [ept:token, GT:Client_Credentials, scp:api]
scopes:
  - name: api
    description: Orders API
    resources: [orders-api, billing-api]
  - name: reports
    resources: [billing-api]
`, hash))
}

func TestParseAndLookup(t *testing.T) {
	reg, err := Parse(testDocument(t))
	require.NoError(t, err)
	ctx := context.Background()

	spa, err := reg.GetClient(ctx, "spa")
	require.NoError(t, err)
	assert.True(t, spa.IsPublic())
	assert.Equal(t, ConsentExplicit, spa.ConsentType)
	assert.True(t, spa.HasRedirectURI("https://app.example.com/callback"))
	assert.False(t, spa.HasRedirectURI("https://app.example.com/callback/"))

	backend, err := reg.GetClient(ctx, "backend")
	require.NoError(t, err)
	assert.True(t, backend.HasPermission("gt:client_credentials"))
	assert.True(t, VerifySecret(backend, "s3cret"))
	assert.False(t, VerifySecret(backend, "wrong"))
	assert.False(t, VerifySecret(spa, ""))

	_, err = reg.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestGetClientReturnsCopy(t *testing.T) {
	reg, err := Parse(testDocument(t))
	require.NoError(t, err)

	c, err := reg.GetClient(context.Background(), "spa")
	require.NoError(t, err)
	c.DisplayName = "changed"

	again, err := reg.GetClient(context.Background(), "spa")
	require.NoError(t, err)
	assert.Equal(t, "Single Page App", again.DisplayName)
}

func TestScopesAndResources(t *testing.T) {
	reg, err := Parse(testDocument(t))
	require.NoError(t, err)
	ctx := context.Background()

	scopes, err := reg.GetScopes(ctx, []string{"openid", "api", "reports"})
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, []string{"orders-api", "billing-api"}, Resources(scopes))

	all, err := reg.ListScopes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Name)
}

func TestPermissionsWithPrefix(t *testing.T) {
	c := &Client{Permissions: []string{"scp:api", "SCP:reports", "ept:token", "scp:"}}
	assert.Equal(t, []string{"api", "reports"}, c.PermissionsWithPrefix("scp:"))
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "clients:\n  - type: public\n"},
		{"bad type", "clients:\n  - id: a\n    type: trusted\n"},
		{"confidential without secret", "clients:\n  - id: a\n    type: confidential\n"},
		{"relative redirect", "clients:\n  - id: a\n    type: public\n    redirect_uris: [/callback]\n"},
		{"duplicate client", "clients:\n  - id: a\n    type: public\n  - id: a\n    type: public\n"},
		{"bad consent", "clients:\n  - id: a\n    type: public\n    consent_type: sometimes\n"},
		{"not yaml", "clients: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, testDocument(t), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	_, err = reg.GetClient(context.Background(), "backend")
	assert.NoError(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
