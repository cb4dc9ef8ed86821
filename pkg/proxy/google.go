package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// googleAdapter speaks the generateContent wire format: the model rides in
// the URL path rather than the body, request text lives in
// contents[*].parts[*].text plus systemInstruction.parts[*].text, and
// responses carry candidates[*].content.parts[*].text in both the unary
// and the streamed shape.
type googleAdapter struct{}

func (googleAdapter) Name() Provider { return ProviderGoogle }

func (googleAdapter) RequestTexts(body []byte) []TextField {
	var fields []TextField

	gjson.GetBytes(body, "systemInstruction.parts").ForEach(func(i, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			fields = append(fields, TextField{
				Path: fmt.Sprintf("systemInstruction.parts.%d.text", i.Int()),
				Text: text,
			})
		}
		return true
	})

	gjson.GetBytes(body, "contents").ForEach(func(i, content gjson.Result) bool {
		content.Get("parts").ForEach(func(j, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				fields = append(fields, TextField{
					Path: fmt.Sprintf("contents.%d.parts.%d.text", i.Int(), j.Int()),
					Text: text,
				})
			}
			return true
		})
		return true
	})
	return fields
}

// Model returns empty: generateContent names the model in the URL path, so
// the proxy rewrites it there with the googleModelPath pattern instead of
// touching the body.
func (googleAdapter) Model(_ []byte) string { return "" }

func (googleAdapter) SetModel(body []byte, _ string) ([]byte, error) {
	return body, nil
}

// IsStream is body-driven for the other providers; Google signals streaming
// through the :streamGenerateContent method in the URL, which the pipeline
// checks separately. A stream field is still honored if present.
func (googleAdapter) IsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (googleAdapter) ResponseTexts(body []byte) []TextField {
	var fields []TextField
	gjson.GetBytes(body, "candidates").ForEach(func(i, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(j, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				fields = append(fields, TextField{
					Path: fmt.Sprintf("candidates.%d.content.parts.%d.text", i.Int(), j.Int()),
					Text: text,
				})
			}
			return true
		})
		return true
	})
	return fields
}

func (googleAdapter) DeltaText(data []byte) (string, string, bool) {
	delta := gjson.GetBytes(data, "candidates.0.content.parts.0.text")
	if delta.Type != gjson.String {
		return "", "", false
	}
	return "candidates.0.content.parts.0.text", delta.Str, true
}

func (googleAdapter) ErrorBody(status int, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  googleErrorStatus(status),
		},
	})
	return body
}

func googleErrorStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
		return "PERMISSION_DENIED"
	case http.StatusGone:
		return "NOT_FOUND"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
