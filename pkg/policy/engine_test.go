package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfence/skyfence/pkg/detect"
)

func strPtr(s string) *string { return &s }

func testDocument() *Document {
	return &Document{
		Version:           3,
		RestrictedRegions: []string{"cn", "ru", "ir"},
		RegionRouting: map[string]RegionRouting{
			"us": {
				AllowExternal:    true,
				PreferredModels:  []string{"gpt-4o", "claude-sonnet"},
				InternalFallback: []string{"llama-us"},
				DataResidency:    "us",
			},
			RestrictedRegion: {
				AllowExternal:    false,
				InternalFallback: []string{"llama-restricted"},
			},
		},
		TrustedCallers: []string{"incident-mgr", "runbook-executor"},
		CallerRouting: map[string]CallerRouting{
			"incident-mgr": {
				AllowCategories: []string{"pii", "ops_sensitive"},
				MaxDetokenize:   true,
			},
			"cautious-bot": {
				AllowCategories: []string{"pii"},
				ForceRedact:     true,
			},
		},
		Routes: []Route{
			{
				Name:   "block-secrets",
				Match:  Match{Category: strPtr("secret")},
				Action: ActionBlock,
			},
			{
				Name:            "redact-pii",
				Match:           Match{Category: strPtr("pii")},
				Action:          ActionRedact,
				AllowModels:     []string{"gpt-4o"},
				AllowCategories: []string{"pii", "secret"},
			},
			{
				Name:            "ops-internal",
				Match:           Match{Category: strPtr("ops_sensitive")},
				Action:          ActionInternalOnly,
				AllowModels:     []string{"llama-ops"},
				AllowCategories: []string{"ops_sensitive"},
			},
			{
				Name:      "export-restricted",
				Match:     Match{Category: strPtr("export_control")},
				Action:    ActionBlock,
				AppliesTo: AppliesTo{Regions: []string{RestrictedRegion}},
			},
			{
				Name:   "export-internal",
				Match:  Match{Category: strPtr("export_control")},
				Action: ActionInternalOnly,
			},
		},
	}
}

func testContext(caller, region string) Context {
	return Context{
		Caller:         caller,
		Region:         region,
		Env:            "prod",
		ConversationID: "conv-1",
	}
}

func spanOf(category detect.Category) detect.Span {
	return detect.Span{Start: 0, End: 10, Category: category, Type: "TEST", Confidence: 0.9}
}

func TestDecide(t *testing.T) {
	engine := NewEngine(testDocument())

	tests := []struct {
		name           string
		spans          []detect.Span
		ctx            Context
		wantAction     Action
		wantModel      string
		wantRedaction  bool
		wantDetokenize []detect.Category
	}{
		{
			name:           "secret is blocked everywhere",
			spans:          []detect.Span{spanOf(detect.CategorySecret)},
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionBlock,
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "pii is redacted for unconstrained caller",
			spans:          []detect.Span{spanOf(detect.CategoryPII)},
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionRedact,
			wantModel:      "gpt-4o",
			wantRedaction:  true,
			wantDetokenize: []detect.Category{detect.CategoryPII},
		},
		{
			name:           "caller intersection narrows detokenize set",
			spans:          []detect.Span{spanOf(detect.CategoryPII)},
			ctx:            testContext("incident-mgr", "us"),
			wantAction:     ActionRedact,
			wantModel:      "gpt-4o",
			wantRedaction:  true,
			wantDetokenize: []detect.Category{detect.CategoryPII},
		},
		{
			name:           "ops routes to internal model",
			spans:          []detect.Span{spanOf(detect.CategoryOpsSensitive)},
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionInternalOnly,
			wantModel:      "llama-ops",
			wantDetokenize: []detect.Category{detect.CategoryOpsSensitive},
		},
		{
			name:           "secret outranks pii when both present",
			spans:          []detect.Span{spanOf(detect.CategoryPII), spanOf(detect.CategorySecret)},
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionBlock,
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "clean payload allows preferred external model",
			spans:          nil,
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionAllow,
			wantModel:      "gpt-4o",
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "restricted region forces internal fallback",
			spans:          nil,
			ctx:            testContext("any-caller", "cn"),
			wantAction:     ActionInternalOnly,
			wantModel:      "llama-restricted",
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "export control blocked in restricted region",
			spans:          []detect.Span{spanOf(detect.CategoryExportControl)},
			ctx:            testContext("any-caller", "ru"),
			wantAction:     ActionBlock,
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "export control stays internal elsewhere",
			spans:          []detect.Span{spanOf(detect.CategoryExportControl)},
			ctx:            testContext("any-caller", "us"),
			wantAction:     ActionInternalOnly,
			wantModel:      "llama-us",
			wantDetokenize: []detect.Category{},
		},
		{
			name:           "force_redact upgrades allow to redact",
			spans:          nil,
			ctx:            testContext("cautious-bot", "us"),
			wantAction:     ActionRedact,
			wantModel:      "gpt-4o",
			wantRedaction:  true,
			wantDetokenize: []detect.Category{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Decide(tt.spans, tt.ctx)

			assert.Equal(t, tt.wantAction, decision.Action)
			assert.Equal(t, tt.wantModel, decision.TargetModel)
			assert.Equal(t, tt.wantRedaction, decision.RequiresRedaction)
			assert.Equal(t, tt.wantDetokenize, decision.AllowedDetokenizeCategories)
			assert.Equal(t, 3, decision.PolicyVersion)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	engine := NewEngine(testDocument())
	spans := []detect.Span{spanOf(detect.CategoryPII), spanOf(detect.CategoryOpsSensitive)}
	ctx := testContext("incident-mgr", "us")

	first := engine.Decide(spans, ctx)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, engine.Decide(spans, ctx))
	}
}

func TestDecideSecretNeverDetokenizable(t *testing.T) {
	doc := testDocument()
	// Deliberately misconfigure caller and route to allow secret.
	doc.CallerRouting["greedy"] = CallerRouting{
		AllowCategories: []string{"secret", "pii"},
	}
	doc.Routes[1].AllowCategories = []string{"secret", "pii"}
	engine := NewEngine(doc)

	decision := engine.Decide([]detect.Span{spanOf(detect.CategoryPII)}, testContext("greedy", "us"))
	assert.NotContains(t, decision.AllowedDetokenizeCategories, detect.CategorySecret)
	assert.Contains(t, decision.AllowedDetokenizeCategories, detect.CategoryPII)
}

func TestDecideUnknownRegionHasNoExternalGrant(t *testing.T) {
	engine := NewEngine(testDocument())

	decision := engine.Decide(nil, testContext("any-caller", "mars"))
	// Unknown regions have no region_routing entry, so allow_external is
	// false and the request downgrades to internal_only with no model.
	assert.Equal(t, ActionInternalOnly, decision.Action)
	assert.Empty(t, decision.TargetModel)
}

func TestContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr string
	}{
		{"complete", testContext("c", "us"), ""},
		{"missing caller", Context{Region: "us", Env: "prod", ConversationID: "x"}, "caller"},
		{"missing region", Context{Caller: "c", Env: "prod", ConversationID: "x"}, "region"},
		{"missing env", Context{Caller: "c", Region: "us", ConversationID: "x"}, "env"},
		{"missing conversation", Context{Caller: "c", Region: "us", Env: "prod"}, "conversation_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestIsTrustedCaller(t *testing.T) {
	doc := testDocument()
	assert.True(t, doc.IsTrustedCaller("incident-mgr"))
	assert.True(t, doc.IsTrustedCaller("runbook-executor"))
	assert.False(t, doc.IsTrustedCaller("random-agent"))
	assert.False(t, doc.IsTrustedCaller(""))
}
