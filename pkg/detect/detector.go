// Package detect finds sensitive-data spans in request payloads.
//
// Detection is a two-stage pipeline: a fixed battery of compiled regex
// patterns generates candidates, per-pattern validators reject false
// positives (Luhn, SSN structure, JWT header), and an overlap resolver
// reduces the candidate list to a sorted set of pairwise-disjoint spans.
package detect

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"
)

var (
	// ErrInvalidInput is returned for payloads that are not valid UTF-8.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned when a single pattern exceeds its scan budget.
	ErrTimeout = errors.New("detector timeout")
)

// patternBudget is the scan-time budget granted per pattern per budgetChunk
// bytes of payload.
const (
	patternBudget = 50 * time.Millisecond
	budgetChunk   = 64 * 1024
)

// Options configures detector construction.
type Options struct {
	// InternalDomainSuffixes lists DNS suffixes treated as internal
	// infrastructure (ops_sensitive). Defaults to internal/local/corp.
	InternalDomainSuffixes []string
}

// DefaultInternalDomainSuffixes are the suffixes used when none are configured.
var DefaultInternalDomainSuffixes = []string{"internal", "local", "corp"}

// Detector holds the compiled pattern battery. Construct once at startup
// and share across workers; Detect is safe for concurrent use.
type Detector struct {
	patterns []*compiledPattern
}

// New compiles the built-in battery plus the configured internal-domain
// pattern. Patterns that fail to compile are logged and skipped.
func New(opts Options) *Detector {
	specs := builtinPatterns()
	suffixes := opts.InternalDomainSuffixes
	if len(suffixes) == 0 {
		suffixes = DefaultInternalDomainSuffixes
	}
	if spec, ok := internalDomainPattern(suffixes); ok {
		specs = append(specs, spec)
	}
	d := &Detector{patterns: compilePatterns(specs)}
	slog.Info("Detector initialized",
		"patterns", len(d.patterns),
		"internal_domain_suffixes", len(suffixes))
	return d
}

// Detect returns the sorted, pairwise-disjoint sensitive spans of payload.
// Fails with ErrInvalidInput on malformed UTF-8 and ErrTimeout when a
// pattern exceeds its scan budget.
func (d *Detector) Detect(payload string) ([]Span, error) {
	if !utf8.ValidString(payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidInput)
	}

	budget := patternBudget * time.Duration(1+len(payload)/budgetChunk)

	var candidates []Span
	for _, cp := range d.patterns {
		start := time.Now()
		matches := cp.Regex.FindAllStringIndex(payload, -1)
		if elapsed := time.Since(start); elapsed > budget {
			return nil, fmt.Errorf("%w: pattern %s took %v (budget %v)",
				ErrTimeout, cp.Type, elapsed, budget)
		}
		for _, m := range matches {
			span := Span{
				Start:      m[0],
				End:        m[1],
				Category:   cp.Category,
				Type:       cp.Type,
				Confidence: cp.Confidence,
			}
			if cp.Validate != nil {
				keep, category, typ := cp.Validate(payload[m[0]:m[1]])
				if !keep {
					continue
				}
				if category != "" {
					span.Category = category
				}
				if typ != "" {
					span.Type = typ
				}
			}
			candidates = append(candidates, span)
		}
	}

	return ResolveOverlaps(candidates), nil
}

// ResolveOverlaps reduces candidates to a sorted list of pairwise-disjoint
// spans. Conflicts are decided by category priority; ties by longer span,
// then earlier start, then lexicographic type.
func ResolveOverlaps(candidates []Span) []Span {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]Span, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	kept := sorted[:1]
	for _, next := range sorted[1:] {
		last := kept[len(kept)-1]
		if !next.Overlaps(last) {
			kept = append(kept, next)
			continue
		}
		if wins(next, last) {
			kept[len(kept)-1] = next
		}
	}
	return kept
}

// wins reports whether challenger beats incumbent under the overlap ordering.
func wins(challenger, incumbent Span) bool {
	if cp, ip := challenger.Category.Priority(), incumbent.Category.Priority(); cp != ip {
		return cp > ip
	}
	if challenger.Len() != incumbent.Len() {
		return challenger.Len() > incumbent.Len()
	}
	if challenger.Start != incumbent.Start {
		return challenger.Start < incumbent.Start
	}
	return challenger.Type < incumbent.Type
}
