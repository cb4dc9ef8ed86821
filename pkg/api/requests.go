package api

import (
	"github.com/skyfence/skyfence/pkg/policy"
)

// ClassifyRequest is the body for POST /classify.
type ClassifyRequest struct {
	Payload string         `json:"payload"`
	Context policy.Context `json:"context"`
}

// RedactRequest is the body for POST /redact.
type RedactRequest struct {
	Payload string         `json:"payload"`
	Context policy.Context `json:"context"`
}

// DetokenizeRequest is the body for POST /detokenize.
type DetokenizeRequest struct {
	Payload         string         `json:"payload"`
	TokenMapHandle  string         `json:"token_map_handle"`
	AllowCategories []string       `json:"allow_categories"`
	Context         policy.Context `json:"context"`
}

// ModelRequest is the dry-run request payload inside RouteRequest.
type ModelRequest struct {
	Text string `json:"text"`
}

// RouteRequest is the body for POST /route.
type RouteRequest struct {
	ModelRequest ModelRequest   `json:"model_request"`
	Context      policy.Context `json:"context"`
}

// AuditQueryRequest is the body for POST /audit/query.
type AuditQueryRequest struct {
	Q     string `json:"q"`
	Limit int    `json:"limit"`
}
