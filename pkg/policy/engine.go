package policy

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/skyfence/skyfence/pkg/detect"
)

// RestrictedRegion is the effective region name every restricted region
// normalizes to before route matching.
const RestrictedRegion = "restricted"

// Engine evaluates the loaded document against per-request inputs. It holds
// no mutable state; Decide is a pure function and safe for concurrent use.
type Engine struct {
	doc *Document
}

// NewEngine wraps a loaded document.
func NewEngine(doc *Document) *Engine {
	return &Engine{doc: doc}
}

// Document exposes the underlying policy document.
func (e *Engine) Document() *Document {
	return e.doc
}

// Decide evaluates spans and context against the document and returns the
// routing decision. Identical inputs always produce identical decisions.
func (e *Engine) Decide(spans []detect.Span, ctx Context) Decision {
	region := e.effectiveRegion(ctx.Region)
	categories := detect.Categories(spans)

	route, idx, matched := e.firstMatchingRoute(categories, region, ctx.Caller)

	var (
		action          Action
		routeModels     []string
		routeCategories []string
		reason          string
	)
	if matched {
		action = route.Action
		routeModels = route.AllowModels
		routeCategories = route.AllowCategories
		reason = fmt.Sprintf("matched route %d (%s)", idx, routeLabel(route, idx))
	} else {
		action = ActionAllow
		reason = "no route matched, default allow"
	}

	caller, hasCaller := e.doc.CallerConstraints(ctx.Caller)
	if hasCaller && caller.ForceRedact && action == ActionAllow {
		action = ActionRedact
		reason += "; force_redact upgraded allow to redact"
	}

	decision := Decision{
		Action:        action,
		PolicyVersion: e.doc.Version,
		Reason:        reason,
	}

	if action == ActionBlock {
		decision.AllowedDetokenizeCategories = []detect.Category{}
		slog.Info("Policy decision",
			"action", decision.Action,
			"caller", ctx.Caller,
			"region", region,
			"categories", len(categories),
			"reason", reason)
		return decision
	}

	regional := e.doc.RegionRouting[region]
	switch action {
	case ActionInternalOnly:
		decision.TargetModel = firstOf(routeModels, regional.InternalFallback)
	default:
		// redact and allow honor the region's external policy: a region
		// that forbids external upstreams downgrades to internal_only.
		if !regional.AllowExternal {
			decision.Action = ActionInternalOnly
			decision.TargetModel = firstOf(regional.InternalFallback)
			decision.Reason += "; region forbids external upstreams"
		} else {
			decision.TargetModel = firstOf(routeModels, regional.PreferredModels)
		}
	}

	decision.RequiresRedaction = decision.Action == ActionRedact
	decision.AllowedDetokenizeCategories = e.allowedDetokenize(routeCategories, caller, hasCaller)

	slog.Info("Policy decision",
		"action", decision.Action,
		"target_model", decision.TargetModel,
		"caller", ctx.Caller,
		"region", region,
		"categories", len(categories),
		"reason", decision.Reason)
	return decision
}

// effectiveRegion collapses every configured restricted region onto the
// single "restricted" routing entry.
func (e *Engine) effectiveRegion(region string) string {
	for _, r := range e.doc.RestrictedRegions {
		if r == region {
			return RestrictedRegion
		}
	}
	return region
}

// firstMatchingRoute walks the ordered route list and returns the first
// route whose match category and applies_to scope both hit.
func (e *Engine) firstMatchingRoute(categories map[detect.Category]bool, region, caller string) (Route, int, bool) {
	for i, route := range e.doc.Routes {
		if !matchCategory(route.Match, categories) {
			continue
		}
		if !scopeContains(route.AppliesTo.Regions, region) {
			continue
		}
		if !scopeContains(route.AppliesTo.Callers, caller) {
			continue
		}
		return route, i, true
	}
	return Route{}, -1, false
}

// matchCategory applies the route's category selector: a concrete category
// matches when present in the detected set, a nil selector matches only when
// nothing was detected at all.
func matchCategory(m Match, categories map[detect.Category]bool) bool {
	if m.Category == nil {
		return len(categories) == 0
	}
	return categories[detect.Category(*m.Category)]
}

// scopeContains treats an empty list and a "*" entry as match-all.
func scopeContains(scope []string, value string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == "*" || s == value {
			return true
		}
	}
	return false
}

// allowedDetokenize intersects the route's categories with the caller's.
// A caller with no routing entry inherits the route set. Secret is never
// detokenizable regardless of configuration.
func (e *Engine) allowedDetokenize(routeCategories []string, caller CallerRouting, hasCaller bool) []detect.Category {
	routeSet := make(map[detect.Category]bool, len(routeCategories))
	for _, c := range routeCategories {
		routeSet[detect.Category(c)] = true
	}

	var allowed map[detect.Category]bool
	if !hasCaller {
		allowed = routeSet
	} else {
		allowed = make(map[detect.Category]bool, len(caller.AllowCategories))
		for _, c := range caller.AllowCategories {
			cat := detect.Category(c)
			if routeSet[cat] {
				allowed[cat] = true
			}
		}
	}
	delete(allowed, detect.CategorySecret)

	out := make([]detect.Category, 0, len(allowed))
	for cat := range allowed {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// firstOf returns the first element of the first non-empty list.
func firstOf(lists ...[]string) string {
	for _, list := range lists {
		if len(list) > 0 {
			return list[0]
		}
	}
	return ""
}

func routeLabel(r Route, idx int) string {
	if r.Name != "" {
		return r.Name
	}
	if r.Match.Category != nil {
		return "category " + *r.Match.Category
	}
	return fmt.Sprintf("rule-%d", idx)
}
