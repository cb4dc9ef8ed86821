// Package classify scores payloads for export-control sensitivity.
//
// The classifier counts case-insensitive matches against a fixed
// aviation/ITAR vocabulary and emits a single advisory export_control span
// covering the whole payload once the match count reaches the threshold.
// It never rejects or modifies the payload; the policy engine decides what
// to do with the advisory.
package classify

import (
	"log/slog"
	"regexp"

	"github.com/skyfence/skyfence/pkg/detect"
)

// DefaultThreshold is the minimum keyword match count that triggers an
// export_control classification.
const DefaultThreshold = 2

// aviationKeywords is the fixed ITAR/EAR-sensitive vocabulary. Grouped by
// concern: design and performance, regulatory, propulsion, flight
// operations, manufacturing.
var aviationKeywords = []string{
	`\b(?:eVTOL|vertical[\s\-]?take[\s\-]?off|VTOL)\b`,
	`\b(?:aircraft[\s\-]?design|airframe|propulsion[\s\-]?system)\b`,
	`\b(?:flight[\s\-]?control|avionics|autopilot)\b`,
	`\b(?:aerodynamic|aerodynamics|lift[\s\-]?coefficient)\b`,

	`\b(?:FAA|Federal[\s\-]?Aviation[\s\-]?Administration)\b`,
	`\b(?:Part[\s\-]?23|Part[\s\-]?27|Part[\s\-]?29|Part[\s\-]?33)\b`,
	`\b(?:type[\s\-]?certificate|STC|airworthiness)\b`,
	`\b(?:ITAR|International[\s\-]?Traffic[\s\-]?in[\s\-]?Arms)\b`,
	`\b(?:EAR|Export[\s\-]?Administration[\s\-]?Regulations)\b`,
	`\b(?:ECCN|export[\s\-]?control)\b`,

	`\b(?:battery[\s\-]?management|BMS|power[\s\-]?distribution)\b`,
	`\b(?:electric[\s\-]?motor|propeller|rotor[\s\-]?blade)\b`,
	`\b(?:energy[\s\-]?density|specific[\s\-]?power)\b`,

	`\b(?:flight[\s\-]?envelope|V-speed|cruise[\s\-]?speed)\b`,
	`\b(?:payload[\s\-]?capacity|range[\s\-]?calculation)\b`,
	`\b(?:takeoff[\s\-]?weight|MTOW|maximum[\s\-]?takeoff)\b`,

	`\b(?:composite[\s\-]?material|carbon[\s\-]?fiber|CFRP)\b`,
	`\b(?:manufacturing[\s\-]?process|tooling|assembly[\s\-]?jig)\b`,
	`\b(?:quality[\s\-]?assurance|AS9100|aerospace[\s\-]?standard)\b`,
}

// Result carries the classifier verdict for one payload.
type Result struct {
	ExportControlled bool     `json:"export_controlled"`
	Confidence       float64  `json:"confidence"`
	MatchCount       int      `json:"match_count"`
	MatchedKeywords  []string `json:"matched_keywords,omitempty"`
}

// Classifier scores payloads against the compiled keyword battery.
// Construct once at startup; Classify is safe for concurrent use.
type Classifier struct {
	patterns  []*regexp.Regexp
	threshold int
}

// New compiles the keyword battery. threshold <= 0 selects DefaultThreshold.
func New(threshold int) *Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	patterns := make([]*regexp.Regexp, 0, len(aviationKeywords))
	for _, kw := range aviationKeywords {
		re, err := regexp.Compile(`(?i)` + kw)
		if err != nil {
			slog.Error("Failed to compile classifier keyword, skipping",
				"keyword", kw, "error", err)
			continue
		}
		patterns = append(patterns, re)
	}
	return &Classifier{patterns: patterns, threshold: threshold}
}

// Classify counts keyword matches in payload and returns the verdict.
func (c *Classifier) Classify(payload string) Result {
	var matched []string
	count := 0
	for _, re := range c.patterns {
		ms := re.FindAllString(payload, -1)
		count += len(ms)
		for _, m := range ms {
			if len(matched) < 10 {
				matched = append(matched, m)
			}
		}
	}

	confidence := float64(count) / float64(c.threshold*3)
	if confidence > 1.0 {
		confidence = 1.0
	}
	if count == 0 {
		confidence = 0
	}

	return Result{
		ExportControlled: count >= c.threshold,
		Confidence:       confidence,
		MatchCount:       count,
		MatchedKeywords:  matched,
	}
}

// Span converts a positive verdict into a whole-payload advisory span for
// the policy engine. Returns ok=false when the payload is not classified.
func (c *Classifier) Span(payload string) (detect.Span, bool) {
	res := c.Classify(payload)
	if !res.ExportControlled {
		return detect.Span{}, false
	}
	return detect.Span{
		Start:      0,
		End:        len(payload),
		Category:   detect.CategoryExportControl,
		Type:       "EXPORT_CONTROL",
		Confidence: res.Confidence,
	}, true
}
