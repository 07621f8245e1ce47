package template

import (
	"encoding/json"
	"strings"
)

// ExtractParams locates the first JSON object substring in output and copies
// each declared top-level scalar field (string, number, boolean) into the
// execution context. Nested objects and arrays are skipped, missing names
// are skipped, existing context keys are overwritten. ExtractParams never
// fails: malformed output simply extracts nothing.
func ExtractParams(output string, params []string, execCtx map[string]any) {
	if len(params) == 0 || execCtx == nil {
		return
	}
	obj, ok := FirstJSONObject(output)
	if !ok {
		return
	}
	for _, name := range params {
		val, present := obj[name]
		if !present {
			continue
		}
		switch val.(type) {
		case string, float64, bool:
			execCtx[name] = val
		}
	}
}

// FirstJSONObject scans s for the first balanced top-level JSON object and
// decodes it. Braces inside string literals are ignored. Returns false when
// no decodable object is found.
func FirstJSONObject(s string) (map[string]any, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := matchBrace(s, start); end > start {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start += 1 + next
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the object opened at
// start, or -1 when the object never closes.
func matchBrace(s string, start int) int {
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
