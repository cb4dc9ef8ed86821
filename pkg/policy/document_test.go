package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
version: 3
restricted_regions: [cn, ru, ir]
region_routing:
  us:
    allow_external: true
    preferred_models: [gpt-4o]
    internal_fallback: [llama-us]
    data_residency: us
  restricted:
    allow_external: false
    internal_fallback: [llama-restricted]
trusted_callers: [incident-mgr]
caller_routing:
  incident-mgr:
    allow_categories: [pii, ops_sensitive]
    max_detokenize: true
routes:
  - name: block-secrets
    match: {category: secret}
    action: block
  - name: redact-pii
    match: {category: pii}
    action: redact
    allow_models: [gpt-4o]
    allow_categories: [pii]
  - name: clean-default
    match: {category: null}
    action: allow
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	doc, err := Load(writePolicy(t, samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, []string{"cn", "ru", "ir"}, doc.RestrictedRegions)
	assert.True(t, doc.RegionRouting["us"].AllowExternal)
	assert.False(t, doc.RegionRouting[RestrictedRegion].AllowExternal)
	require.Len(t, doc.Routes, 3)

	// Explicit null category parses as a nil selector, distinct from absent.
	assert.Nil(t, doc.Routes[2].Match.Category)
	require.NotNil(t, doc.Routes[0].Match.Category)
	assert.Equal(t, "secret", *doc.Routes[0].Match.Category)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("FALLBACK_MODEL", "llama-env")

	doc, err := Load(writePolicy(t, `
version: 1
region_routing:
  us:
    allow_external: true
    internal_fallback: ["{{.FALLBACK_MODEL}}"]
routes: []
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"llama-env"}, doc.RegionRouting["us"].InternalFallback)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing version",
			content: "routes: []",
			wantErr: "version must be a positive integer",
		},
		{
			name: "unknown action",
			content: `
version: 1
routes:
  - match: {category: pii}
    action: quarantine
`,
			wantErr: "unknown action",
		},
		{
			name: "unknown match category",
			content: `
version: 1
routes:
  - match: {category: financial}
    action: block
`,
			wantErr: "unknown match category",
		},
		{
			name: "unknown caller category",
			content: `
version: 1
caller_routing:
  bot:
    allow_categories: [gossip]
routes: []
`,
			wantErr: "unknown category",
		},
		{
			name:    "malformed yaml",
			content: "version: [unclosed",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePolicy(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read policy file")
}
