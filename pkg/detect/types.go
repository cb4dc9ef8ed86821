package detect

// Category is the coarse sensitivity class of a detected span.
type Category string

const (
	CategorySecret        Category = "secret"
	CategoryPII           Category = "pii"
	CategoryOpsSensitive  Category = "ops_sensitive"
	CategoryExportControl Category = "export_control"
)

// Priority returns the conflict-resolution rank of the category.
// Higher wins: secret > pii > ops_sensitive > export_control.
func (c Category) Priority() int {
	switch c {
	case CategorySecret:
		return 4
	case CategoryPII:
		return 3
	case CategoryOpsSensitive:
		return 2
	case CategoryExportControl:
		return 1
	default:
		return 0
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c.Priority() > 0
}

// Span is a closed-open byte interval [Start, End) over a payload, tagged
// with the category and finer type of the sensitive content it covers.
type Span struct {
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Category   Category `json:"category"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Categories returns the distinct categories present in spans.
func Categories(spans []Span) map[Category]bool {
	set := make(map[Category]bool, 4)
	for _, s := range spans {
		set[s.Category] = true
	}
	return set
}
