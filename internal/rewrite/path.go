// Package rewrite implements the request-body rule engine of
// SPEC_FULL.md §4.8: a path-expression selector, a condition grammar, and
// ${{path}} value templating, evaluated over a tagged-variant JSON tree
// decoded via stdlib encoding/json (see Design Note 9). This is a
// hand-rolled evaluator rather than a gjson/sjson-style path library: see
// DESIGN.md for why the pool's JSON-path libraries don't cover the
// auto-vivifying set/condition/template semantics this needs.
package rewrite

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a compiled path: either a field name or an array
// index (index >= 0) or an append marker (isAppend).
type segment struct {
	field    string
	index    int
	isIndex  bool
	isAppend bool
}

// Path is a compiled path expression, e.g. "messages[0].content" or
// "model" or "choices[].text".
type Path struct {
	raw      string
	segments []segment
}

// CompilePath parses a dotted/bracketed path expression. Compilation
// happens when rules are compiled into an Engine (gateway New/Reconfigure),
// so malformed expressions are caught there, not at request time; config
// validation does not call it.
func CompilePath(expr string) (*Path, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segs []segment
	for _, part := range strings.Split(expr, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment in %q", expr)
		}
		field := part
		for {
			lb := strings.IndexByte(field, '[')
			if lb < 0 {
				segs = append(segs, segment{field: field})
				break
			}
			rb := strings.IndexByte(field, ']')
			if rb < lb {
				return nil, fmt.Errorf("malformed bracket in %q", expr)
			}
			name := field[:lb]
			if name != "" {
				segs = append(segs, segment{field: name})
			}
			idxStr := field[lb+1 : rb]
			if idxStr == "" {
				segs = append(segs, segment{isAppend: true})
			} else {
				idx, err := strconv.Atoi(idxStr)
				if err != nil {
					return nil, fmt.Errorf("invalid array index %q in %q", idxStr, expr)
				}
				segs = append(segs, segment{index: idx, isIndex: true})
			}
			field = field[rb+1:]
			if field == "" {
				break
			}
		}
	}
	return &Path{raw: expr, segments: segs}, nil
}

// String returns the original path expression.
func (p *Path) String() string { return p.raw }

// Get resolves the path against root, returning (value, true) if every
// segment resolved, or (nil, false) otherwise.
func Get(root any, p *Path) (any, bool) {
	cur := root
	for _, seg := range p.segments {
		switch {
		case seg.isIndex:
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
		case seg.isAppend:
			return nil, false // append-only segments never resolve on Get
		default:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := obj[seg.field]
			if !ok {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

// Set writes value at path within root, auto-vivifying intermediate
// objects/arrays as needed, and returns the (possibly new) root.
func Set(root any, p *Path, value any) any {
	if len(p.segments) == 0 {
		return root
	}
	return setAt(root, p.segments, value)
}

func setAt(cur any, segs []segment, value any) any {
	seg := segs[0]
	rest := segs[1:]

	if seg.isIndex || seg.isAppend {
		arr, ok := cur.([]any)
		if !ok {
			arr = []any{}
		}
		idx := seg.index
		if seg.isAppend {
			idx = len(arr)
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(rest) == 0 {
			arr[idx] = value
		} else {
			arr[idx] = setAt(arr[idx], rest, value)
		}
		return arr
	}

	obj, ok := cur.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	if len(rest) == 0 {
		obj[seg.field] = value
	} else {
		obj[seg.field] = setAt(obj[seg.field], rest, value)
	}
	return obj
}

// Remove deletes the node at path if present, and returns the (possibly
// unchanged) root. A missing path is a no-op.
func Remove(root any, p *Path) any {
	if len(p.segments) == 0 {
		return root
	}
	return removeAt(root, p.segments)
}

func removeAt(cur any, segs []segment) any {
	seg := segs[0]
	rest := segs[1:]

	if seg.isIndex {
		arr, ok := cur.([]any)
		if !ok || seg.index < 0 || seg.index >= len(arr) {
			return cur
		}
		if len(rest) == 0 {
			return append(arr[:seg.index], arr[seg.index+1:]...)
		}
		arr[seg.index] = removeAt(arr[seg.index], rest)
		return arr
	}
	if seg.isAppend {
		return cur // nothing meaningful to remove from an append marker
	}

	obj, ok := cur.(map[string]any)
	if !ok {
		return cur
	}
	if len(rest) == 0 {
		delete(obj, seg.field)
		return obj
	}
	if child, ok := obj[seg.field]; ok {
		obj[seg.field] = removeAt(child, rest)
	}
	return obj
}
