package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	execCtx := map[string]any{
		"name":    "ada",
		"count":   float64(3),
		"ok":      true,
		"items":   []any{"a", "b"},
		"details": map[string]any{"b": "2", "a": "1"},
		"loop":    "{name}",
	}
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "hello {name}", "hello ada"},
		{"number canonical", "n={count}", "n=3"},
		{"bool", "ok={ok}", "ok=true"},
		{"list", "items={items}", "items=[a, b]"},
		{"map stable order", "d={details}", "d={a=1, b=2}"},
		{"unknown stays literal", "hi {missing}", "hi {missing}"},
		{"empty braces literal", "a {} b", "a {} b"},
		{"unterminated literal", "a {name", "a {name"},
		{"bad ident literal", "a {na me} b", "a {na me} b"},
		{"single pass", "v={loop}", "v={name}"},
		{"adjacent", "{name}{name}", "adaada"},
		{"no placeholders", "plain", "plain"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.in, execCtx))
		})
	}
}

func TestResolveAll(t *testing.T) {
	got := ResolveAll(map[string]string{"to": "{name}", "body": "hi"}, map[string]any{"name": "bob"})
	assert.Equal(t, map[string]string{"to": "bob", "body": "hi"}, got)
}

func TestExtractParams(t *testing.T) {
	t.Run("copies declared scalars only", func(t *testing.T) {
		execCtx := map[string]any{"summary": "old"}
		output := `preamble {"summary": "fresh", "score": 92.5, "done": true,
			"nested": {"x": 1}, "list": [1,2], "undeclared": "skip"} trailer`
		ExtractParams(output, []string{"summary", "score", "done", "nested", "list", "missing"}, execCtx)

		assert.Equal(t, "fresh", execCtx["summary"], "existing keys are overwritten")
		assert.Equal(t, 92.5, execCtx["score"])
		assert.Equal(t, true, execCtx["done"])
		assert.NotContains(t, execCtx, "nested")
		assert.NotContains(t, execCtx, "list")
		assert.NotContains(t, execCtx, "missing")
		assert.NotContains(t, execCtx, "undeclared")
	})

	t.Run("never fails on garbage", func(t *testing.T) {
		execCtx := map[string]any{}
		ExtractParams("no json here {broken", []string{"a"}, execCtx)
		ExtractParams("", []string{"a"}, execCtx)
		ExtractParams("{}", nil, execCtx)
		assert.Empty(t, execCtx)
	})

	t.Run("skips invalid object then finds next", func(t *testing.T) {
		execCtx := map[string]any{}
		ExtractParams(`{bad json} then {"a": "yes"}`, []string{"a"}, execCtx)
		assert.Equal(t, "yes", execCtx["a"])
	})

	t.Run("braces inside strings", func(t *testing.T) {
		execCtx := map[string]any{}
		ExtractParams(`{"a": "contains } brace", "b": 1}`, []string{"a", "b"}, execCtx)
		assert.Equal(t, "contains } brace", execCtx["a"])
		assert.Equal(t, float64(1), execCtx["b"])
	})
}
