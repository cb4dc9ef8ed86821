// Package proxy implements the transparent LLM proxy: provider-specific
// adapters translate between the OpenAI, Anthropic, and Google wire formats
// while the shared pipeline redacts outbound text, forwards the sanitized
// request upstream, and detokenizes the response, streaming or not.
//
// Adapters do JSON field surgery with gjson/sjson so every provider field
// the pipeline does not understand passes through untouched.
package proxy

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Provider identifies an upstream wire format.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// TextField is one extracted text value and the sjson path to write it back.
type TextField struct {
	Path string
	Text string
}

// Adapter translates one provider's wire format for the shared pipeline.
// Implementations are stateless and safe for concurrent use.
type Adapter interface {
	// Name returns the provider this adapter serves.
	Name() Provider

	// RequestTexts extracts every user-visible text field from the request
	// body, in order, with the path to write a sanitized value back.
	RequestTexts(body []byte) []TextField

	// Model returns the model named in the request body, if any.
	Model(body []byte) string

	// SetModel rewrites the request's model field.
	SetModel(body []byte, model string) ([]byte, error)

	// IsStream reports whether the request asks for a streaming response.
	IsStream(body []byte) bool

	// ResponseTexts extracts the text fields of a non-streaming response.
	ResponseTexts(body []byte) []TextField

	// DeltaText extracts the textual delta of one SSE data payload.
	// ok is false for frames that carry no text (role frames, stop frames,
	// tool-call deltas, ping events).
	DeltaText(data []byte) (path string, text string, ok bool)

	// ErrorBody synthesizes a provider-shaped error object so client SDKs
	// degrade gracefully.
	ErrorBody(status int, message string) []byte
}

// AdapterFor returns the adapter for provider.
func AdapterFor(provider Provider) (Adapter, error) {
	switch provider {
	case ProviderOpenAI:
		return openAIAdapter{}, nil
	case ProviderAnthropic:
		return anthropicAdapter{}, nil
	case ProviderGoogle:
		return googleAdapter{}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// firstString returns the string value at path when present and non-empty.
func firstString(body []byte, path string) string {
	return gjson.GetBytes(body, path).String()
}
