package rewrite

import (
	"encoding/json"
	"regexp"
	"strings"
)

var templateToken = regexp.MustCompile(`\$\{\{\s*([^}]+?)\s*\}\}`)

// ResolveValue renders a rule's `value`, which may be a bare
// "${{path}}" token (resolves to the referenced node, preserving type),
// a string with embedded tokens (resolves to a textual rendering), or a
// structured value containing nested strings with embedded tokens.
// original is the pre-rewrite request body the tokens are evaluated
// against, per SPEC_FULL.md §4.8.
func ResolveValue(value any, original any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, original)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveValue(val, original)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveValue(val, original)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, original any) any {
	matches := templateToken.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}
	// A standalone token occupies the entire string: resolve to the
	// referenced node's native type (or JSON null if missing).
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		node, ok := resolveToken(expr, original)
		if !ok {
			return nil
		}
		return node
	}
	return templateToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := templateToken.FindStringSubmatch(tok)
		if m == nil {
			return tok
		}
		node, ok := resolveToken(m[1], original)
		if !ok {
			return ""
		}
		return renderText(node)
	})
}

func resolveToken(expr string, original any) (any, bool) {
	p, err := CompilePath(strings.TrimSpace(expr))
	if err != nil {
		return nil, false
	}
	return Get(original, p)
}

func renderText(node any) string {
	switch v := node.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return asString(v)
	}
}
