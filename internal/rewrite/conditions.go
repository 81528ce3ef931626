package rewrite

import (
	"fmt"
	"strings"
)

// CompiledCondition is one rule condition, with its field path pre-compiled.
type CompiledCondition struct {
	FieldPath *Path
	Operator  string
	Value     any
}

// CompileCondition parses a condition's field path and rejects unknown
// operators. The value's shape is not checked here (shapes vary by
// operator); a value of the wrong shape makes the condition evaluate false.
func CompileCondition(field, operator string, value any) (*CompiledCondition, error) {
	p, err := CompilePath(field)
	if err != nil {
		return nil, fmt.Errorf("condition field: %w", err)
	}
	switch operator {
	case "eq", "ne", "gt", "lt", "ge", "le", "in", "nin", "like", "nlike",
		"contains", "ncontains", "between", "nbetween", "startswith", "endswith",
		"exists", "nexists", "isnull", "notnull":
	default:
		return nil, fmt.Errorf("unknown condition operator %q", operator)
	}
	return &CompiledCondition{FieldPath: p, Operator: operator, Value: value}, nil
}

// Evaluate tests the condition against body (the original, pre-rewrite
// request body).
func (c *CompiledCondition) Evaluate(body any) bool {
	val, exists := Get(body, c.FieldPath)

	switch c.Operator {
	case "exists":
		return exists
	case "nexists":
		return !exists
	case "isnull":
		return exists && val == nil
	case "notnull":
		return exists && val != nil
	}

	if !exists {
		// Every remaining operator requires the field to exist.
		return false
	}

	switch c.Operator {
	case "eq":
		return looseEqual(val, c.Value)
	case "ne":
		return !looseEqual(val, c.Value)
	case "gt", "lt", "ge", "le":
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "ge":
			return a >= b
		case "le":
			return a <= b
		}
	case "in":
		return memberOf(c.Value, val)
	case "nin":
		return !memberOf(c.Value, val)
	case "like":
		return sqlLike(asString(val), asString(c.Value))
	case "nlike":
		return !sqlLike(asString(val), asString(c.Value))
	case "contains":
		return containsValue(val, c.Value)
	case "ncontains":
		return !containsValue(val, c.Value)
	case "between":
		return between(val, c.Value, true)
	case "nbetween":
		return !between(val, c.Value, true)
	case "startswith":
		return strings.HasPrefix(asString(val), asString(c.Value))
	case "endswith":
		return strings.HasSuffix(asString(val), asString(c.Value))
	}
	return false
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// memberOf reports whether value is an element of container, which must
// be a []any (the "in"/"nin" array form).
func memberOf(container, value any) bool {
	arr, ok := container.([]any)
	if !ok {
		return false
	}
	for _, item := range arr {
		if looseEqual(item, value) {
			return true
		}
	}
	return false
}

// containsValue reports whether val (an array, object, or string) contains
// needle, distinguishing "array element" / "object key" / "substring".
func containsValue(val, needle any) bool {
	switch v := val.(type) {
	case []any:
		return memberOf(v, needle)
	case map[string]any:
		_, ok := v[asString(needle)]
		return ok
	case string:
		return strings.Contains(v, asString(needle))
	}
	return false
}

// between expects bound to be a two-element []any [lo, hi], inclusive.
func between(val, bound any, inclusive bool) bool {
	arr, ok := bound.([]any)
	if !ok || len(arr) != 2 {
		return false
	}
	v, vok := toFloat(val)
	lo, lok := toFloat(arr[0])
	hi, hok := toFloat(arr[1])
	if !vok || !lok || !hok {
		return false
	}
	if inclusive {
		return v >= lo && v <= hi
	}
	return v > lo && v < hi
}

// sqlLike implements SQL-style wildcard matching: % = any run, _ = any one.
func sqlLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatch(s[1:], p[1:])
	}
}
