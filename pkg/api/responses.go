package api

import (
	"github.com/skyfence/skyfence/pkg/audit"
	"github.com/skyfence/skyfence/pkg/policy"
	"github.com/skyfence/skyfence/pkg/token"
)

// CategoryResult is one observed category with its confidence.
type CategoryResult struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	TokenBackend  string `json:"token_backend"`
	PolicyVersion int    `json:"policy_version"`
	SIEMEnabled   bool   `json:"siem_enabled"`
}

// ClassifyResponse is the body of POST /classify.
type ClassifyResponse struct {
	OK              bool             `json:"ok"`
	Categories      []CategoryResult `json:"categories"`
	Decision        policy.Decision  `json:"decision"`
	SuggestedAction policy.Action    `json:"suggested_action"`
}

// RedactResponse is the body of POST /redact.
type RedactResponse struct {
	OK               bool            `json:"ok"`
	SanitizedPayload string          `json:"sanitized_payload"`
	TokenMapHandle   string          `json:"token_map_handle"`
	Redactions       []token.Mapping `json:"redactions"`
}

// DetokenizeResponse is the body of POST /detokenize.
type DetokenizeResponse struct {
	OK              bool   `json:"ok"`
	RestoredPayload string `json:"restored_payload"`
}

// ExecutionStep is one pre or post step of a routing plan.
type ExecutionStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// RouteResponse is the body of POST /route.
type RouteResponse struct {
	OK        bool            `json:"ok"`
	Decision  policy.Decision `json:"decision"`
	PreSteps  []ExecutionStep `json:"pre_steps"`
	PostSteps []ExecutionStep `json:"post_steps"`
}

// AuditQueryResponse is the body of POST /audit/query.
type AuditQueryResponse struct {
	Records []audit.Record `json:"records"`
}
