package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// anthropicAdapter speaks the messages wire format: a top-level system
// prompt (string or block array), messages[*].content as a string or as
// content blocks, content[*].text on the way back, content_block_delta
// events when streaming.
type anthropicAdapter struct{}

func (anthropicAdapter) Name() Provider { return ProviderAnthropic }

func (anthropicAdapter) RequestTexts(body []byte) []TextField {
	var fields []TextField

	system := gjson.GetBytes(body, "system")
	switch {
	case system.Type == gjson.String:
		if system.Str != "" {
			fields = append(fields, TextField{Path: "system", Text: system.Str})
		}
	case system.IsArray():
		system.ForEach(func(i, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					fields = append(fields, TextField{
						Path: fmt.Sprintf("system.%d.text", i.Int()),
						Text: text,
					})
				}
			}
			return true
		})
	}

	gjson.GetBytes(body, "messages").ForEach(func(i, msg gjson.Result) bool {
		content := msg.Get("content")
		base := fmt.Sprintf("messages.%d.content", i.Int())
		switch {
		case content.Type == gjson.String:
			if content.Str != "" {
				fields = append(fields, TextField{Path: base, Text: content.Str})
			}
		case content.IsArray():
			content.ForEach(func(j, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					if text := block.Get("text").String(); text != "" {
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

func (anthropicAdapter) Model(body []byte) string {
	return firstString(body, "model")
}

func (anthropicAdapter) SetModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (anthropicAdapter) IsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (anthropicAdapter) ResponseTexts(body []byte) []TextField {
	var fields []TextField
	gjson.GetBytes(body, "content").ForEach(func(i, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if text := block.Get("text").String(); text != "" {
				fields = append(fields, TextField{
					Path: fmt.Sprintf("content.%d.text", i.Int()),
					Text: text,
				})
			}
		}
		return true
	})
	return fields
}

func (anthropicAdapter) DeltaText(data []byte) (string, string, bool) {
	if gjson.GetBytes(data, "type").String() != "content_block_delta" {
		return "", "", false
	}
	delta := gjson.GetBytes(data, "delta.text")
	if delta.Type != gjson.String {
		return "", "", false
	}
	return "delta.text", delta.Str, true
}

func (anthropicAdapter) ErrorBody(status int, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicErrorType(status),
			"message": message,
		},
	})
	return body
}

func anthropicErrorType(status int) string {
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
