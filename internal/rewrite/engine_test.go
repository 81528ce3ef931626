package rewrite

import (
	"encoding/json"
	"testing"

	"github.com/keyport/gateway/internal/config"
)

func mustCompile(t *testing.T, rules []config.RewriteRule) *Engine {
	t.Helper()
	e, err := Compile(rules)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return e
}

func TestRewriteSetsDefaultWhenMissing(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "default-model", Operation: "set", Path: "model", Value: "gpt-4",
		Conditions: []config.RewriteCondition{{Field: "model", Operator: "nexists"}},
	}})

	out, err := e.Apply([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["model"] != "gpt-4" {
		t.Fatalf("expected model to be set, got %v", got["model"])
	}
}

func TestRewriteLeavesExistingFieldUnchanged(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "default-model", Operation: "set", Path: "model", Value: "gpt-4",
		Conditions: []config.RewriteCondition{{Field: "model", Operator: "nexists"}},
	}})

	out, err := e.Apply([]byte(`{"model":"x","messages":[]}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["model"] != "x" {
		t.Fatalf("expected model to remain x, got %v", got["model"])
	}
}

func TestRewriteRemovesDisallowedField(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "strip-fp", Operation: "remove", Path: "frequency_penalty",
		Conditions: []config.RewriteCondition{{Field: "frequency_penalty", Operator: "exists"}},
	}})

	out, err := e.Apply([]byte(`{"frequency_penalty":0.5,"model":"x"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if _, present := got["frequency_penalty"]; present {
		t.Fatalf("expected frequency_penalty to be removed")
	}
	if got["model"] != "x" {
		t.Fatalf("expected model untouched, got %v", got["model"])
	}
}

func TestRewriteNoRulesRoundTrips(t *testing.T) {
	e := mustCompile(t, nil)
	in := []byte(`{"a":1}`)
	out, err := e.Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("expected byte-identical round trip, got %s", out)
	}
}

func TestRewriteTemplateStandaloneToken(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "copy-user", Operation: "set", Path: "user_id", Value: "${{ user.id }}",
	}})
	out, err := e.Apply([]byte(`{"user":{"id":42}}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["user_id"] != float64(42) {
		t.Fatalf("expected numeric user_id 42, got %v (%T)", got["user_id"], got["user_id"])
	}
}

func TestRewriteTemplateEmbeddedToken(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "label", Operation: "set", Path: "label", Value: "user-${{user.id}}",
	}})
	out, err := e.Apply([]byte(`{"user":{"id":42}}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["label"] != "user-42" {
		t.Fatalf("expected label 'user-42', got %v", got["label"])
	}
}

func TestRewriteAutoVivifiesPath(t *testing.T) {
	e := mustCompile(t, []config.RewriteRule{{
		Name: "nested", Operation: "set", Path: "meta.tags[0]", Value: "x",
	}})
	out, err := e.Apply([]byte(`{}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	meta, ok := got["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected meta object, got %v", got["meta"])
	}
	tags, ok := meta["tags"].([]any)
	if !ok || len(tags) != 1 || tags[0] != "x" {
		t.Fatalf("expected tags[0]==x, got %v", meta["tags"])
	}
}

func TestConditionOperators(t *testing.T) {
	body := map[string]any{
		"score": 7.0, "name": "hello world", "tags": []any{"a", "b"}, "n": nil,
	}
	cases := []struct {
		field, op string
		value     any
		want      bool
	}{
		{"score", "gt", 5.0, true},
		{"score", "lt", 5.0, false},
		{"score", "between", []any{1.0, 10.0}, true},
		{"name", "like", "hello%", true},
		{"name", "like", "bye%", false},
		{"tags", "contains", "a", true},
		{"tags", "ncontains", "z", true},
		{"missing", "nexists", nil, true},
		{"n", "isnull", nil, true},
		{"name", "startswith", "hello", true},
		{"name", "endswith", "world", true},
	}
	for _, c := range cases {
		cc, err := CompileCondition(c.field, c.op, c.value)
		if err != nil {
			t.Fatalf("compile %s/%s: %v", c.field, c.op, err)
		}
		if got := cc.Evaluate(body); got != c.want {
			t.Errorf("%s %s %v: got %v want %v", c.field, c.op, c.value, got, c.want)
		}
	}
}
