package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skyfence/skyfence/pkg/detect"
)

// Mapping records one span replaced during redaction.
type Mapping struct {
	Placeholder string          `json:"placeholder"`
	Type        string          `json:"type"`
	Category    detect.Category `json:"category"`
	Start       int             `json:"start"`
	End         int             `json:"end"`
}

// Redactor binds the placeholder generator to a token store.
type Redactor struct {
	salter *Salter
	store  Store
	ttl    time.Duration
}

// NewRedactor constructs a redactor. ttl <= 0 selects DefaultTTL.
func NewRedactor(salter *Salter, store Store, ttl time.Duration) *Redactor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redactor{salter: salter, store: store, ttl: ttl}
}

// TTL returns the configured record lifetime.
func (r *Redactor) TTL() time.Duration {
	return r.ttl
}

// Redact replaces each span of payload with its placeholder and parks the
// originals in a fresh record under a new handle. Spans must be sorted and
// pairwise disjoint, which is what the detector produces. The same original
// redacts to the same placeholder within one conversation.
func (r *Redactor) Redact(ctx context.Context, payload string, spans []detect.Span, conversationID string) (string, string, []Mapping, error) {
	handle, err := NewHandle()
	if err != nil {
		return "", "", nil, err
	}

	record := Record{
		ConversationID: conversationID,
		Entries:        make(map[string]Entry, len(spans)),
		CreatedAt:      time.Now().UTC(),
	}

	var out strings.Builder
	out.Grow(len(payload))
	mappings := make([]Mapping, 0, len(spans))

	cursor := 0
	for _, span := range spans {
		if span.Start < cursor || span.End > len(payload) {
			return "", "", nil, fmt.Errorf("span [%d,%d) out of order or out of range", span.Start, span.End)
		}
		original := payload[span.Start:span.End]
		placeholder := r.salter.Placeholder(conversationID, span.Type, original)

		record.Entries[placeholder] = Entry{
			Original: original,
			Type:     span.Type,
			Category: span.Category,
		}

		out.WriteString(payload[cursor:span.Start])
		out.WriteString(placeholder)
		cursor = span.End

		mappings = append(mappings, Mapping{
			Placeholder: placeholder,
			Type:        span.Type,
			Category:    span.Category,
			Start:       span.Start,
			End:         span.End,
		})
	}
	out.WriteString(payload[cursor:])

	if err := r.store.Put(ctx, handle, record, r.ttl); err != nil {
		return "", "", nil, err
	}
	return out.String(), handle, mappings, nil
}

// RedactBatch redacts several texts of one request into a single record
// under one handle, so a response echoing placeholders from any of them
// detokenizes against the same map. texts and spans must be parallel.
func (r *Redactor) RedactBatch(ctx context.Context, texts []string, spans [][]detect.Span, conversationID string) ([]string, string, []Mapping, error) {
	if len(texts) != len(spans) {
		return nil, "", nil, fmt.Errorf("texts and spans length mismatch: %d vs %d", len(texts), len(spans))
	}

	handle, err := NewHandle()
	if err != nil {
		return nil, "", nil, err
	}
	record := Record{
		ConversationID: conversationID,
		Entries:        make(map[string]Entry),
		CreatedAt:      time.Now().UTC(),
	}

	sanitized := make([]string, len(texts))
	var mappings []Mapping
	for i, text := range texts {
		var out strings.Builder
		out.Grow(len(text))
		cursor := 0
		for _, span := range spans[i] {
			if span.Start < cursor || span.End > len(text) {
				return nil, "", nil, fmt.Errorf("span [%d,%d) out of order or out of range", span.Start, span.End)
			}
			original := text[span.Start:span.End]
			placeholder := r.salter.Placeholder(conversationID, span.Type, original)
			record.Entries[placeholder] = Entry{
				Original: original,
				Type:     span.Type,
				Category: span.Category,
			}
			out.WriteString(text[cursor:span.Start])
			out.WriteString(placeholder)
			cursor = span.End
			mappings = append(mappings, Mapping{
				Placeholder: placeholder,
				Type:        span.Type,
				Category:    span.Category,
				Start:       span.Start,
				End:         span.End,
			})
		}
		out.WriteString(text[cursor:])
		sanitized[i] = out.String()
	}

	if err := r.store.Put(ctx, handle, record, r.ttl); err != nil {
		return nil, "", nil, err
	}
	return sanitized, handle, mappings, nil
}

// Detokenize restores originals for every placeholder of the handle's
// record that is literally present in text and whose category is in
// allowed. Placeholders outside the allowed set stay redacted. The record
// is kept alive for reuse across streaming chunks.
func (r *Redactor) Detokenize(ctx context.Context, text, handle string, allowed map[detect.Category]bool) (string, int, error) {
	record, err := r.store.Get(ctx, handle)
	if err != nil {
		return "", 0, err
	}

	restored := 0
	for placeholder, entry := range record.Entries {
		// Secrets are never restored, even if a misconfigured policy or
		// caller manages to put secret into the allowed set.
		if entry.Category == detect.CategorySecret {
			continue
		}
		if !allowed[entry.Category] {
			continue
		}
		if n := strings.Count(text, placeholder); n > 0 {
			text = strings.ReplaceAll(text, placeholder, entry.Original)
			restored += n
		}
	}
	return text, restored, nil
}

// Resolve returns the record behind handle without modifying anything,
// for callers that run their own substitution loop (the streaming path).
func (r *Redactor) Resolve(ctx context.Context, handle string) (Record, error) {
	return r.store.Get(ctx, handle)
}
