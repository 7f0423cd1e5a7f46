package llm

import (
	"encoding/json"
	"fmt"
)

// Models wrap JSON in prose and markdown fences no matter how firmly the
// prompt forbids it. ExtractJSONObject and ExtractJSONArray pull the first
// balanced document out of a completion instead of trusting the whole body
// to json.Unmarshal.

// ExtractJSONObject returns the first top-level {...} found in s.
func ExtractJSONObject(s string) (json.RawMessage, error) {
	return extractBalanced(s, '{', '}')
}

// ExtractJSONArray returns the first top-level [...] found in s.
func ExtractJSONArray(s string) (json.RawMessage, error) {
	return extractBalanced(s, '[', ']')
}

func extractBalanced(s string, open, close byte) (json.RawMessage, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if start < 0 {
			if c == open {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				candidate := json.RawMessage(s[start : i+1])
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("llm: extracted %c...%c is not valid JSON", open, close)
				}
				return candidate, nil
			}
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("llm: no %c...%c found in completion", open, close)
	}
	return nil, fmt.Errorf("llm: unbalanced %c...%c in completion", open, close)
}
