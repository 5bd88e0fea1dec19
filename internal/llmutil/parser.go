// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// fencedBlock matches a markdown code fence, with or without a language tag.
// \x60 is a backtick; raw strings cannot contain one.
var fencedBlock = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSONResponse decodes a model reply into T. It tolerates markdown
// fences and conversational text around the JSON value.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncate(candidate, 500))
	}
	return &result, nil
}

// ExtractJSON returns the most likely JSON value inside a model reply: the
// content of the first code fence if any, else the first balanced object or
// array, else the trimmed input.
func ExtractJSON(response string) string {
	s := strings.TrimSpace(response)
	if m := fencedBlock.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		if v, ok := balanced(s, 0); ok {
			return v
		}
		return s
	}
	for i, r := range s {
		if r == '{' || r == '[' {
			if v, ok := balanced(s, i); ok {
				return v
			}
		}
	}
	return s
}

// balanced scans from s[start] (an opening bracket) to its matching close,
// skipping brackets inside string literals.
func balanced(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
