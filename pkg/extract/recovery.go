package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// recoverJSON runs the recovery pipeline: (a) plain JSON as-is; (b)
// JSON inside a fenced code block; (c) the first JSON object embedded in
// arbitrary prose; (d) double-encoded JSON (a JSON string literal whose
// contents are themselves JSON). Returns the raw JSON bytes to unmarshal
// into the target schema, or a *ParseError if every stage fails.
func recoverJSON(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)

	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}

	if obj := firstEmbeddedObject(trimmed); obj != "" {
		return []byte(obj), nil
	}

	// Double-encoded: the whole response is a JSON string whose *contents*
	// are JSON.
	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
		inner = strings.TrimSpace(inner)
		if json.Valid([]byte(inner)) {
			return []byte(inner), nil
		}
		if obj := firstEmbeddedObject(inner); obj != "" {
			return []byte(obj), nil
		}
	}

	return nil, &ParseError{Raw: raw}
}

// firstEmbeddedObject scans s for the first balanced {...} span and returns
// it only if gjson considers it valid JSON.
func firstEmbeddedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if gjson.Valid(candidate) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}
