package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("empty model response")

// StripCodeFence removes a surrounding markdown code fence, if any.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if endIdx <= 1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

// DecodeJSON decodes a model response into v, tolerating code fences and
// prose around a single top-level JSON object.
func DecodeJSON(text string, v any) error {
	text = StripCodeFence(text)
	if text == "" {
		return ErrEmptyResponse
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
