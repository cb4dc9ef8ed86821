// Package audit implements the two-stage audit pipeline: an append-only
// local JSONL log that is always written, plus optional buffered shipping
// to an external SIEM sink.
package audit

import (
	"time"

	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/policy"
)

// Action names the audited operation.
const (
	ActionClassify   = "classify"
	ActionRedact     = "redact"
	ActionDetokenize = "detokenize"
	ActionRoute      = "route"
	ActionProxy      = "proxy"
	ActionSIEMDrop   = "siem_drop"
)

// CategoryObservation is one detected span reduced to its non-sensitive
// attributes.
type CategoryObservation struct {
	Type       string          `json:"type"`
	Category   detect.Category `json:"category"`
	Confidence float64         `json:"confidence"`
}

// Record is one audit event. Raw payload content is never carried here,
// only counts, types, and routing metadata.
type Record struct {
	Timestamp      string                `json:"ts"`
	Action         string                `json:"action"`
	Caller         string                `json:"caller"`
	Region         string                `json:"region"`
	Env            string                `json:"env"`
	ConversationID string                `json:"conversation_id"`
	Categories     []CategoryObservation `json:"categories,omitempty"`
	Decision       *policy.Decision      `json:"decision,omitempty"`
	RedactedCount  int                   `json:"redacted_count,omitempty"`
	RestoredCount  int                   `json:"restored_count,omitempty"`
	PayloadBytes   int                   `json:"payload_bytes,omitempty"`
	UpstreamStatus int                   `json:"upstream_status,omitempty"`
	DurationMS     int64                 `json:"duration_ms,omitempty"`
	DroppedRecords int64                 `json:"dropped_records,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// emptyContext marks records the pipeline emits about itself rather than
// about a caller request.
var emptyContext = policy.Context{Caller: "system", Region: "-", Env: "-", ConversationID: "-"}

// NewRecord stamps a record with the current UTC time.
func NewRecord(action string, ctx policy.Context) Record {
	return Record{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Action:         action,
		Caller:         ctx.Caller,
		Region:         ctx.Region,
		Env:            ctx.Env,
		ConversationID: ctx.ConversationID,
	}
}

// ObserveSpans converts detector spans to their audit projection.
func ObserveSpans(spans []detect.Span) []CategoryObservation {
	if len(spans) == 0 {
		return nil
	}
	obs := make([]CategoryObservation, 0, len(spans))
	for _, s := range spans {
		obs = append(obs, CategoryObservation{
			Type:       s.Type,
			Category:   s.Category,
			Confidence: s.Confidence,
		})
	}
	return obs
}
