// Package template substitutes {{path.to.value}} placeholders against an
// execution context. The context maps node ids (and the reserved key
// "trigger") to the output each node produced.
//
// Resolution never fails: a placeholder whose path cannot be walked resolves
// to the empty string. Condition expressions rely on this, since an empty
// string is falsy under the expression evaluator.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholder matches a single {{ ... }} occurrence. Path segments may
// contain hyphens (node ids are UUID-like) and are separated by dots.
var placeholder = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Resolve substitutes every {{path}} occurrence in s against ctx and returns
// the resulting string. Strings insert verbatim, booleans and numbers
// stringify, and objects or arrays serialize as JSON. Missing or non-mapping
// intermediate values resolve to the empty string.
func Resolve(s string, ctx map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := Lookup(ctx, path)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// ResolveValue recursively resolves templates inside an arbitrary structure:
// strings go through Resolve, lists and mappings are walked element-wise, and
// all other values pass through unchanged.
//
// A string that consists of exactly one placeholder is promoted to the
// referenced native value instead of its string form, so `{{trigger.count}}`
// yields the number the trigger carried rather than its decimal rendering.
func ResolveValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		if path, ok := wholePlaceholder(t); ok {
			val, found := Lookup(ctx, path)
			if !found {
				return ""
			}
			return val
		}
		return Resolve(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ResolveValue(e, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = ResolveValue(e, ctx)
		}
		return out
	default:
		return v
	}
}

// Lookup walks ctx along the dot-separated path. The first segment is either
// "trigger" or a node id; subsequent segments index into that output. It
// reports false when any intermediate value is not an indexable mapping.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// wholePlaceholder reports whether s is a single {{path}} placeholder and
// returns the trimmed path.
func wholePlaceholder(s string) (string, bool) {
	m := placeholder.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
