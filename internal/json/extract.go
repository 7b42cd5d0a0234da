// Package json extracts JSON objects from LLM responses.
//
// Models wrap their JSON in markdown fences, prefix it with commentary, or
// emit a second object after the first. Extract returns the first complete
// top-level object.
package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject is returned when the response holds no decodable JSON object.
var ErrNoObject = errors.New("no JSON object in response")

// Extract returns the first complete JSON object in response.
// Braces inside string literals are ignored.
func Extract(response string) (string, error) {
	text := stripFences(response)

	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			break
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return "", fmt.Errorf("%w: %q", ErrNoObject, preview(response))
}

// Decode extracts the first JSON object in response and unmarshals it into T.
func Decode[T any](response string) (T, error) {
	var result T
	raw, err := Extract(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 && !strings.Contains(trimmed[:nl], "{") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSpace(trimmed)
	return strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
}

func preview(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
