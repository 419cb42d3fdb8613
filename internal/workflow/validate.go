package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError kinds. Each structural failure mode classifies into
// exactly one kind so callers can react per failure class.
const (
	EmptyWorkflow     = "empty-workflow"
	BadSyntax         = "bad-syntax"
	UnknownTool       = "unknown-tool"
	UnknownDependency = "unknown-dependency"
	CyclicDependency  = "cyclic-dependency"
)

// ValidationError is a classified definition failure, surfaced before any
// step is attempted.
type ValidationError struct {
	Kind   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func validationf(kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Parse decodes a YAML workflow document. Malformed documents classify as
// bad-syntax.
func Parse(data []byte) (*Definition, *ValidationError) {
	var def Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, validationf(BadSyntax, "parse workflow: %v", err)
	}
	return &def, nil
}

// DAG is the validated dependency graph over a definition's steps: an arena
// of steps plus adjacency by id, with a deterministic topological order.
type DAG struct {
	Steps      map[string]*Step
	Deps       map[string][]string // step id -> merged explicit+implicit deps
	Dependents map[string][]string // step id -> steps that depend on it
	Order      []string            // topological, ties broken by id
}

// Options controls validation behavior.
type Options struct {
	// PeekTool is a cache-only tool existence check. It must never block on
	// a refresh. Nil skips the tool check entirely.
	PeekTool func(name string) bool
	// DeferToolCheck leaves tool resolution to run time.
	DeferToolCheck bool
}

// Validate checks a definition and builds its DAG. Checks run in a fixed
// order: presence, well-formedness, tool existence, dependency existence,
// acyclicity. Validation is pure apart from the tool peek and is idempotent:
// the same definition yields the same error kind every time.
func Validate(def *Definition, opts Options) (*DAG, *ValidationError) {
	if def == nil || len(def.Steps) == 0 {
		return nil, validationf(EmptyWorkflow, "workflow %q declares no steps", defName(def))
	}

	steps := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			return nil, validationf(BadSyntax, "step[%d] has no id", i)
		}
		if _, dup := steps[s.ID]; dup {
			return nil, validationf(BadSyntax, "duplicate step id %q", s.ID)
		}
		if s.Tool != "" && s.Code != "" {
			return nil, validationf(BadSyntax, "step %q sets both tool and code", s.ID)
		}
		if s.Tool == "" && s.Code == "" {
			return nil, validationf(BadSyntax, "step %q sets neither tool nor code", s.ID)
		}
		steps[s.ID] = s
	}

	if !opts.DeferToolCheck && opts.PeekTool != nil {
		for _, s := range def.Steps {
			if s.Tool != "" && !opts.PeekTool(s.Tool) {
				return nil, validationf(UnknownTool, "step %q references unknown tool %q", s.ID, s.Tool)
			}
		}
	}

	deps := make(map[string][]string, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range def.Steps {
		merged := mergeDeps(s.DependsOn, StepRefs(s.Params))
		for _, dep := range merged {
			if dep == s.ID {
				return nil, validationf(CyclicDependency, "step %q depends on itself", s.ID)
			}
			if _, ok := steps[dep]; !ok {
				return nil, validationf(UnknownDependency, "step %q depends on unknown step %q", s.ID, dep)
			}
			dependents[dep] = append(dependents[dep], s.ID)
		}
		deps[s.ID] = merged
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}

	order, cyclic := topoOrder(steps, deps)
	if len(cyclic) > 0 {
		return nil, validationf(CyclicDependency, "dependency cycle through steps: %s", strings.Join(cyclic, ", "))
	}

	return &DAG{Steps: steps, Deps: deps, Dependents: dependents, Order: order}, nil
}

// topoOrder runs Kahn's algorithm with lexicographic tie-breaking. The second
// return value lists (sorted) ids left on a cycle, empty when acyclic.
func topoOrder(steps map[string]*Step, deps map[string][]string) ([]string, []string) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id, dl := range deps {
		indegree[id] = len(dl)
		for _, dep := range dl {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id := range steps {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		changed := false
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(steps) {
		onCycle := make([]string, 0)
		seen := make(map[string]struct{}, len(order))
		for _, id := range order {
			seen[id] = struct{}{}
		}
		for id := range steps {
			if _, ok := seen[id]; !ok {
				onCycle = append(onCycle, id)
			}
		}
		sort.Strings(onCycle)
		return nil, onCycle
	}
	return order, nil
}

func mergeDeps(explicit, implicit []string) []string {
	seen := make(map[string]struct{}, len(explicit)+len(implicit))
	out := make([]string, 0, len(explicit)+len(implicit))
	for _, id := range explicit {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range implicit {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func defName(def *Definition) string {
	if def == nil {
		return ""
	}
	return def.Name
}
