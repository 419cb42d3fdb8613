package trace

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/hyperifyio/agentflow/internal/engine"
)

// Compare checks two reports for replay equivalence and returns the list of
// differences, empty when the runs match. Run ids, timestamps, durations,
// and attempt counts are execution noise and do not participate; statuses,
// step outputs, and workflow outputs do.
func Compare(a, b *engine.Report) []string {
	var diffs []string
	if a.Workflow != b.Workflow {
		diffs = append(diffs, fmt.Sprintf("workflow: %q vs %q", a.Workflow, b.Workflow))
	}
	if a.Status != b.Status {
		diffs = append(diffs, fmt.Sprintf("status: %q vs %q", a.Status, b.Status))
	}
	if a.ErrorKind != b.ErrorKind {
		diffs = append(diffs, fmt.Sprintf("error kind: %q vs %q", a.ErrorKind, b.ErrorKind))
	}
	if !reflect.DeepEqual(a.Outputs, b.Outputs) {
		diffs = append(diffs, fmt.Sprintf("outputs: %v vs %v", a.Outputs, b.Outputs))
	}

	ids := make(map[string]struct{}, len(a.Steps))
	for id := range a.Steps {
		ids[id] = struct{}{}
	}
	for id := range b.Steps {
		ids[id] = struct{}{}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		sa, oka := a.Steps[id]
		sb, okb := b.Steps[id]
		switch {
		case !oka:
			diffs = append(diffs, fmt.Sprintf("step %s: missing from first run", id))
		case !okb:
			diffs = append(diffs, fmt.Sprintf("step %s: missing from second run", id))
		case sa.Status != sb.Status:
			diffs = append(diffs, fmt.Sprintf("step %s: status %q vs %q", id, sa.Status, sb.Status))
		case !reflect.DeepEqual(sa.Output, sb.Output):
			diffs = append(diffs, fmt.Sprintf("step %s: outputs differ", id))
		case sa.Violation != sb.Violation:
			diffs = append(diffs, fmt.Sprintf("step %s: violation %q vs %q", id, sa.Violation, sb.Violation))
		}
	}
	return diffs
}
