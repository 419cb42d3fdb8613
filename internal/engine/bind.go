package engine

import (
	"fmt"
	"strings"

	"github.com/hyperifyio/agentflow/internal/workflow"
)

// bindInitialInputs checks declared run inputs against the provided values,
// applies defaults, and rejects undeclared keys. Definitions without input
// declarations accept any map.
func bindInitialInputs(def *workflow.Definition, provided map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(provided))
	for k, v := range provided {
		bound[k] = v
	}
	if len(def.Inputs) == 0 {
		return bound, nil
	}

	declared := make(map[string]workflow.InputSpec, len(def.Inputs))
	for _, in := range def.Inputs {
		declared[in.Name] = in
		if _, ok := bound[in.Name]; ok {
			continue
		}
		if in.Default != nil {
			bound[in.Name] = in.Default
			continue
		}
		if in.Required {
			return nil, fmt.Errorf("required input %q not provided", in.Name)
		}
	}
	for k := range provided {
		if _, ok := declared[k]; !ok {
			return nil, fmt.Errorf("input %q is not declared by workflow %q", k, def.Name)
		}
	}
	return bound, nil
}

// bindStep renders the step's params against the run inputs and the outputs
// of completed dependencies. Binding is pure: the same inputs and dependency
// outputs always produce the same resolved arguments, which is what makes
// retry attempts and replays identical.
func (r *runState) bindStep(step *workflow.Step) (map[string]any, error) {
	rendered, err := workflow.Render(step.Params, r.resolve)
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return nil, nil
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("step %q params rendered to %T, want object", step.ID, rendered)
	}
	return args, nil
}

func (r *runState) resolve(path string) (any, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "inputs":
		if len(parts) < 2 {
			return nil, false
		}
		return workflow.Lookup(r.inputs, parts[1:])
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, false
		}
		r.mu.Lock()
		res, ok := r.results[parts[1]]
		var output any
		if ok && res.Status == StatusSucceeded {
			output = res.Output
		} else {
			ok = false
		}
		r.mu.Unlock()
		if !ok {
			return nil, false
		}
		if len(parts) == 3 {
			return output, true
		}
		return workflow.Lookup(output, parts[3:])
	}
	return nil, false
}

// projectOutputs evaluates the workflow's declared output paths against the
// final step results. Called only when every step succeeded.
func projectOutputs(def *workflow.Definition, results map[string]*StepResult) (map[string]any, error) {
	if len(def.Outputs) == 0 {
		return nil, nil
	}
	outputs := make(map[string]any, len(def.Outputs))
	for _, spec := range def.Outputs {
		parts := strings.Split(spec.From, ".")
		if len(parts) < 3 || parts[0] != "steps" || parts[2] != "output" {
			return nil, fmt.Errorf("output %q: path %q must start with steps.<id>.output", spec.Name, spec.From)
		}
		res, ok := results[parts[1]]
		if !ok {
			return nil, fmt.Errorf("output %q: unknown step %q", spec.Name, parts[1])
		}
		value := any(res.Output)
		if len(parts) > 3 {
			value, ok = workflow.Lookup(res.Output, parts[3:])
			if !ok {
				return nil, fmt.Errorf("output %q: path %q not found in step result", spec.Name, spec.From)
			}
		}
		outputs[spec.Name] = value
	}
	return outputs, nil
}
