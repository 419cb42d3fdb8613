package workflow

import (
	"reflect"
	"testing"
)

func steps(ss ...Step) *Definition {
	return &Definition{Name: "t", Steps: ss}
}

func code(id string, deps ...string) Step {
	return Step{ID: id, Code: "1", DependsOn: deps}
}

func TestValidate_EmptyWorkflow(t *testing.T) {
	_, err := Validate(&Definition{Name: "empty"}, Options{})
	if err == nil || err.Kind != EmptyWorkflow {
		t.Fatalf("got %v, want empty-workflow", err)
	}
}

func TestValidate_BadSyntaxKinds(t *testing.T) {
	cases := []struct {
		name string
		def  *Definition
	}{
		{"missing id", steps(Step{Code: "1"})},
		{"duplicate id", steps(code("a"), code("a"))},
		{"both tool and code", steps(Step{ID: "a", Tool: "t", Code: "1"})},
		{"neither tool nor code", steps(Step{ID: "a"})},
	}
	for _, tc := range cases {
		if _, err := Validate(tc.def, Options{}); err == nil || err.Kind != BadSyntax {
			t.Fatalf("%s: got %v, want bad-syntax", tc.name, err)
		}
	}
}

func TestValidate_UnknownTool(t *testing.T) {
	def := steps(Step{ID: "a", Tool: "no_such_tool"})
	peek := func(name string) bool { return false }
	_, err := Validate(def, Options{PeekTool: peek})
	if err == nil || err.Kind != UnknownTool {
		t.Fatalf("got %v, want unknown-tool", err)
	}

	// Deferred resolution skips the check entirely.
	if _, err := Validate(def, Options{PeekTool: peek, DeferToolCheck: true}); err != nil {
		t.Fatalf("deferred check should pass: %v", err)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	_, err := Validate(steps(code("a", "ghost")), Options{})
	if err == nil || err.Kind != UnknownDependency {
		t.Fatalf("got %v, want unknown-dependency", err)
	}
}

func TestValidate_CyclicDependency(t *testing.T) {
	_, err := Validate(steps(code("a", "b"), code("b", "a")), Options{})
	if err == nil || err.Kind != CyclicDependency {
		t.Fatalf("got %v, want cyclic-dependency", err)
	}

	_, err = Validate(steps(code("a", "a")), Options{})
	if err == nil || err.Kind != CyclicDependency {
		t.Fatalf("self-dependency: got %v, want cyclic-dependency", err)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	def := steps(code("a", "b"), code("b", "a"))
	for i := 0; i < 5; i++ {
		_, err := Validate(def, Options{})
		if err == nil {
			t.Fatalf("expected cyclic-dependency")
		}
		if err.Kind != CyclicDependency {
			t.Fatalf("kind drifted on run %d: %s", i, err.Kind)
		}
	}
}

func TestValidate_AcyclicAlwaysSucceeds(t *testing.T) {
	def := steps(
		code("c", "a", "b"),
		code("a"),
		code("b", "a"),
	)
	dag, err := Validate(def, Options{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(dag.Order, want) {
		t.Fatalf("order: got %v want %v", dag.Order, want)
	}
}

func TestValidate_TopoOrderDeterministic(t *testing.T) {
	def := steps(code("z"), code("m"), code("a"), code("q", "z", "a"))
	first, err := Validate(def, Options{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Validate(def, Options{})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !reflect.DeepEqual(first.Order, again.Order) {
			t.Fatalf("order drifted: %v vs %v", first.Order, again.Order)
		}
	}
}

func TestValidate_TemplateImpliedDependency(t *testing.T) {
	def := steps(
		Step{ID: "a", Code: "1"},
		Step{ID: "b", Tool: "echo", Params: map[string]any{"v": "{{ steps.a.output }}"}},
	)
	dag, err := Validate(def, Options{DeferToolCheck: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !reflect.DeepEqual(dag.Deps["b"], []string{"a"}) {
		t.Fatalf("implicit dep not merged: %v", dag.Deps["b"])
	}

	// A template reference to a nonexistent step is unknown-dependency.
	def = steps(Step{ID: "a", Code: "1", Params: map[string]any{"v": "{{ steps.ghost.output }}"}})
	_, verr := Validate(def, Options{})
	if verr == nil || verr.Kind != UnknownDependency {
		t.Fatalf("got %v, want unknown-dependency", verr)
	}
}

func TestParse_ClassifiesBadSyntax(t *testing.T) {
	if _, err := Parse([]byte("steps: [")); err == nil || err.Kind != BadSyntax {
		t.Fatalf("got %v, want bad-syntax", err)
	}
	if _, err := Parse([]byte("unknown_field: 1")); err == nil || err.Kind != BadSyntax {
		t.Fatalf("unknown field: got %v, want bad-syntax", err)
	}
}

func TestParse_FullDocument(t *testing.T) {
	doc := `
name: fetch-and-shape
version: "1.0"
inputs:
  - name: url
    type: string
    required: true
defaults:
  timeout: 30s
  retry:
    max_attempts: 2
    backoff: fixed
    delay: 100ms
steps:
  - id: fetch
    tool: http_fetch
    params:
      url: "{{ inputs.url }}"
  - id: shape
    code: inputs.body.length
    params:
      body: "{{ steps.fetch.output.body }}"
    timeout: 2
outputs:
  - name: length
    from: steps.shape.output
`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "fetch-and-shape" || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Defaults.Timeout.D.Seconds() != 30 {
		t.Fatalf("defaults timeout: %s", def.Defaults.Timeout.D)
	}
	if def.Steps[1].Timeout.D.Seconds() != 2 {
		t.Fatalf("bare-number timeout: %s", def.Steps[1].Timeout.D)
	}
	if def.Steps[0].Kind() != KindToolCall || def.Steps[1].Kind() != KindInlineCode {
		t.Fatalf("kind derivation wrong")
	}
	if def.Defaults.Retry.Attempts() != 2 {
		t.Fatalf("retry attempts: %d", def.Defaults.Retry.Attempts())
	}
}
