package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// openAIAdapter speaks the chat completions wire format:
// messages[*].content as a plain string or as an array of typed parts,
// choices[0].message.content on the way back, delta.content when streaming.
type openAIAdapter struct{}

func (openAIAdapter) Name() Provider { return ProviderOpenAI }

func (openAIAdapter) RequestTexts(body []byte) []TextField {
	var fields []TextField
	gjson.GetBytes(body, "messages").ForEach(func(i, msg gjson.Result) bool {
		content := msg.Get("content")
		base := fmt.Sprintf("messages.%d.content", i.Int())
		switch {
		case content.Type == gjson.String:
			if content.Str != "" {
				fields = append(fields, TextField{Path: base, Text: content.Str})
			}
		case content.IsArray():
			content.ForEach(func(j, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					if text := part.Get("text").String(); text != "" {
						fields = append(fields, TextField{
							Path: fmt.Sprintf("%s.%d.text", base, j.Int()),
							Text: text,
						})
					}
				}
				return true
			})
		}
		return true
	})
	return fields
}

func (openAIAdapter) Model(body []byte) string {
	return firstString(body, "model")
}

func (openAIAdapter) SetModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (openAIAdapter) IsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (openAIAdapter) ResponseTexts(body []byte) []TextField {
	var fields []TextField
	gjson.GetBytes(body, "choices").ForEach(func(i, choice gjson.Result) bool {
		content := choice.Get("message.content")
		if content.Type == gjson.String && content.Str != "" {
			fields = append(fields, TextField{
				Path: fmt.Sprintf("choices.%d.message.content", i.Int()),
				Text: content.Str,
			})
		}
		return true
	})
	return fields
}

func (openAIAdapter) DeltaText(data []byte) (string, string, bool) {
	delta := gjson.GetBytes(data, "choices.0.delta.content")
	if delta.Type != gjson.String {
		return "", "", false
	}
	return "choices.0.delta.content", delta.Str, true
}

func (openAIAdapter) ErrorBody(status int, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openAIErrorType(status),
			"code":    status,
		},
	})
	return body
}

func openAIErrorType(status int) string {
	switch {
	case status == 451:
		return "policy_violation"
	case status == 403:
		return "permission_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}
