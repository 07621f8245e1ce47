// Package template resolves {name} placeholders in prompts and action
// payloads from the execution context, and extracts declared output
// parameters from agent replies back into the context.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolve substitutes {identifier} placeholders in s from the context
// mapping. Identifiers are alphanumeric plus underscore. Unknown identifiers
// stay literal. Resolution is single-pass: substituted values are never
// re-scanned for placeholders.
func Resolve(s string, execCtx map[string]any) string {
	if s == "" || !strings.ContainsRune(s, '{') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := -1
		for j := i + 1; j < len(s); j++ {
			c := s[j]
			if c == '}' {
				end = j
				break
			}
			if !isIdentChar(c) {
				break
			}
		}
		if end <= i+1 { // no closing brace, empty braces, or bad identifier
			b.WriteByte(s[i])
			i++
			continue
		}
		name := s[i+1 : end]
		val, ok := execCtx[name]
		if !ok {
			b.WriteString(s[i : end+1])
		} else {
			b.WriteString(Stringify(val))
		}
		i = end + 1
	}
	return b.String()
}

// ResolveAll resolves every value of a payload mapping.
func ResolveAll(payload map[string]string, execCtx map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = Resolve(v, execCtx)
	}
	return out
}

// Stringify renders a context value in canonical textual form: strings
// as-is, numbers in shortest decimal form, booleans as true/false, lists and
// maps in a stable bracketed representation (map keys sorted).
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Stringify(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []string:
		return "[" + strings.Join(val, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + Stringify(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(val)
	}
}

func isIdentChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
