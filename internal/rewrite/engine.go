package rewrite

import (
	"encoding/json"
	"fmt"

	"github.com/keyport/gateway/internal/config"
)

// Rule is one compiled set/remove operation.
type Rule struct {
	Name       string
	Operation  string // set | remove
	Path       *Path
	Value      any
	Conditions []*CompiledCondition
}

// Engine holds the compiled rule set for one upstream, built by Compile
// when the gateway is created or reconfigured; invalid path syntax makes
// that build fail. config.Validate does not parse path expressions.
type Engine struct {
	rules []*Rule
}

// Compile builds an Engine from the raw configuration rules, returning an
// error if any path or condition fails to parse.
func Compile(rules []config.RewriteRule) (*Engine, error) {
	compiled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		p, err := CompilePath(r.Path)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		conds := make([]*CompiledCondition, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			cc, err := CompileCondition(c.Field, c.Operator, c.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			conds = append(conds, cc)
		}
		compiled = append(compiled, &Rule{
			Name: r.Name, Operation: r.Operation, Path: p, Value: r.Value, Conditions: conds,
		})
	}
	return &Engine{rules: compiled}, nil
}

// Apply runs every rule in order against body (raw JSON bytes), returning
// the rewritten bytes. If the engine has no rules, body is returned
// unchanged (invariant 6: round-trip body rewrite). Conditions are
// evaluated against the original decoded body so later rules see prior
// rules' edits but template/condition lookups always reference the
// pre-rewrite state.
func (e *Engine) Apply(body []byte) ([]byte, error) {
	if len(e.rules) == 0 {
		return body, nil
	}
	var original any
	if err := json.Unmarshal(body, &original); err != nil {
		return nil, fmt.Errorf("rewrite: body is not valid JSON: %w", err)
	}
	// A second decode keeps original untouched: Set and Remove edit maps
	// and slices in place.
	var current any
	if err := json.Unmarshal(body, &current); err != nil {
		return nil, fmt.Errorf("rewrite: body is not valid JSON: %w", err)
	}

	for _, rule := range e.rules {
		applies := true
		for _, c := range rule.Conditions {
			if !c.Evaluate(original) {
				applies = false
				break
			}
		}
		if !applies {
			continue
		}
		switch rule.Operation {
		case "set":
			resolved := ResolveValue(rule.Value, original)
			current = Set(current, rule.Path, resolved)
		case "remove":
			current = Remove(current, rule.Path)
		}
	}

	out, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("rewrite: re-encode: %w", err)
	}
	return out, nil
}
