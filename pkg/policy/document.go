// Package policy loads the routing policy document and turns detector and
// classifier output into per-request routing decisions.
//
// The document is loaded once at startup and never mutated; the engine is a
// pure function over (spans, context, document).
package policy

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skyfence/skyfence/pkg/config"
	"github.com/skyfence/skyfence/pkg/detect"
)

// Action is the outcome class of a policy decision.
type Action string

const (
	ActionBlock        Action = "block"
	ActionRedact       Action = "redact"
	ActionInternalOnly Action = "internal_only"
	ActionAllow        Action = "allow"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionRedact, ActionInternalOnly, ActionAllow:
		return true
	}
	return false
}

// Document is the policy file schema. Loaded once; treated as immutable.
type Document struct {
	Version           int                      `yaml:"version"`
	RestrictedRegions []string                 `yaml:"restricted_regions"`
	RegionRouting     map[string]RegionRouting `yaml:"region_routing"`
	TrustedCallers    []string                 `yaml:"trusted_callers"`
	CallerRouting     map[string]CallerRouting `yaml:"caller_routing"`
	Routes            []Route                  `yaml:"routes"`
}

// RegionRouting holds per-region upstream constraints.
type RegionRouting struct {
	AllowExternal    bool     `yaml:"allow_external"`
	PreferredModels  []string `yaml:"preferred_models"`
	InternalFallback []string `yaml:"internal_fallback"`
	DataResidency    string   `yaml:"data_residency,omitempty"`
}

// CallerRouting holds per-caller constraints.
type CallerRouting struct {
	AllowCategories []string `yaml:"allow_categories"`
	MaxDetokenize   bool     `yaml:"max_detokenize"`
	ForceRedact     bool     `yaml:"force_redact"`
}

// Route is one ordered rule. The first matching route supplies the action.
type Route struct {
	Name            string    `yaml:"name,omitempty"`
	Match           Match     `yaml:"match"`
	Action          Action    `yaml:"action"`
	AppliesTo       AppliesTo `yaml:"applies_to"`
	AllowModels     []string  `yaml:"allow_models,omitempty"`
	AllowCategories []string  `yaml:"allow_categories,omitempty"`
}

// Match selects the category a route fires on. A nil Category matches only
// payloads with no detected categories at all.
type Match struct {
	Category *string `yaml:"category"`
}

// AppliesTo scopes a route to regions and callers; "*" matches everything.
// Empty lists are treated as ["*"].
type AppliesTo struct {
	Regions []string `yaml:"regions"`
	Callers []string `yaml:"callers"`
}

// Context is the caller-supplied request context. All fields are required
// at the API boundary.
type Context struct {
	Caller         string `json:"caller"`
	Region         string `json:"region"`
	Env            string `json:"env"`
	ConversationID string `json:"conversation_id"`
}

// Validate reports the first missing context field, if any.
func (c Context) Validate() error {
	switch {
	case c.Caller == "":
		return fmt.Errorf("context field caller is required")
	case c.Region == "":
		return fmt.Errorf("context field region is required")
	case c.Env == "":
		return fmt.Errorf("context field env is required")
	case c.ConversationID == "":
		return fmt.Errorf("context field conversation_id is required")
	}
	return nil
}

// Decision is the policy engine output for one request.
type Decision struct {
	Action                      Action            `json:"action"`
	TargetModel                 string            `json:"target_model,omitempty"`
	RequiresRedaction           bool              `json:"requires_redaction"`
	AllowedDetokenizeCategories []detect.Category `json:"allowed_detokenize_categories"`
	PolicyVersion               int               `json:"policy_version"`
	Reason                      string            `json:"reason"`
}

// Load reads, env-expands, parses, and validates the policy document.
// Any failure here is a fatal startup error for the process.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	raw = config.ExpandEnv(raw)

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}

	slog.Info("Policy document loaded",
		"path", path,
		"version", doc.Version,
		"routes", len(doc.Routes),
		"restricted_regions", len(doc.RestrictedRegions),
		"trusted_callers", len(doc.TrustedCallers))
	return &doc, nil
}

func (d *Document) validate() error {
	if d.Version <= 0 {
		return fmt.Errorf("version must be a positive integer")
	}
	for i, route := range d.Routes {
		if !route.Action.Valid() {
			return fmt.Errorf("route %d: unknown action %q", i, route.Action)
		}
		if route.Match.Category != nil && !detect.Category(*route.Match.Category).Valid() {
			return fmt.Errorf("route %d: unknown match category %q", i, *route.Match.Category)
		}
		for _, cat := range route.AllowCategories {
			if !detect.Category(cat).Valid() {
				return fmt.Errorf("route %d: unknown allow category %q", i, cat)
			}
		}
	}
	for caller, routing := range d.CallerRouting {
		for _, cat := range routing.AllowCategories {
			if !detect.Category(cat).Valid() {
				return fmt.Errorf("caller_routing %s: unknown category %q", caller, cat)
			}
		}
	}
	return nil
}

// IsTrustedCaller reports whether caller may invoke detokenize.
func (d *Document) IsTrustedCaller(caller string) bool {
	for _, c := range d.TrustedCallers {
		if c == caller {
			return true
		}
	}
	return false
}

// CallerConstraints returns the routing entry for caller and whether one exists.
func (d *Document) CallerConstraints(caller string) (CallerRouting, bool) {
	cr, ok := d.CallerRouting[caller]
	return cr, ok
}
