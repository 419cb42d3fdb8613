package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperifyio/agentflow/internal/events"
	"github.com/hyperifyio/agentflow/internal/sandbox"
	"github.com/hyperifyio/agentflow/internal/workflow"
)

// fakeExec satisfies StepExecutor with a test-supplied function.
type fakeExec struct {
	fn func(ctx context.Context, req sandbox.Request) sandbox.Result
}

func (f *fakeExec) Execute(ctx context.Context, req sandbox.Request, _ sandbox.Limits) sandbox.Result {
	return f.fn(ctx, req)
}

func okResult(output any) sandbox.Result {
	return sandbox.Result{OK: true, Output: output}
}

func failResult(msg string) sandbox.Result {
	return sandbox.Result{Diagnostic: msg}
}

func toolStep(id, tool string, params map[string]any, deps ...string) workflow.Step {
	return workflow.Step{ID: id, Tool: tool, Params: params, DependsOn: deps}
}

func newTestEngine(fn func(ctx context.Context, req sandbox.Request) sandbox.Result) *Engine {
	exec := &fakeExec{fn: fn}
	peek := func(string) bool { return true }
	return New(exec, peek, Config{StepTimeout: time.Second}, nil, nil)
}

func TestRun_LinearChainBindsOutputs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	e := newTestEngine(func(_ context.Context, req sandbox.Request) sandbox.Result {
		mu.Lock()
		seen[req.StepID] = req.Args
		mu.Unlock()
		return okResult(map[string]any{"value": req.StepID + "-out"})
	})

	def := &workflow.Definition{
		Name: "chain",
		Steps: []workflow.Step{
			toolStep("a", "echo", map[string]any{"msg": "{{ inputs.greeting }}"}),
			toolStep("b", "echo", map[string]any{"msg": "{{ steps.a.output.value }}"}),
			toolStep("c", "echo", map[string]any{"msg": "b said {{ steps.b.output.value }}"}),
		},
		Outputs: []workflow.OutputSpec{{Name: "final", From: "steps.c.output.value"}},
	}

	report := e.Run(context.Background(), def, map[string]any{"greeting": "hello"})
	if report.Status != StatusSucceeded {
		t.Fatalf("status = %q (%s), want succeeded", report.Status, report.Error)
	}
	if got := seen["a"]["msg"]; got != "hello" {
		t.Fatalf("step a msg = %v, want hello", got)
	}
	if got := seen["b"]["msg"]; got != "a-out" {
		t.Fatalf("step b msg = %v, want a-out", got)
	}
	if got := seen["c"]["msg"]; got != "b said b-out" {
		t.Fatalf("step c msg = %v", got)
	}
	if got := report.Outputs["final"]; got != "c-out" {
		t.Fatalf("output final = %v, want c-out", got)
	}
}

func TestRun_FailurePropagatesToDependents(t *testing.T) {
	e := newTestEngine(func(_ context.Context, req sandbox.Request) sandbox.Result {
		if req.StepID == "a" {
			return failResult("boom")
		}
		return okResult("ok")
	})

	def := &workflow.Definition{
		Name: "prop",
		Steps: []workflow.Step{
			{ID: "a", Code: "1", Retry: &workflow.RetryPolicy{MaxAttempts: 2}},
			{ID: "b", Code: "1", DependsOn: []string{"a"}},
			{ID: "c", Code: "1", DependsOn: []string{"b"}},
			{ID: "d", Code: "1"},
		},
	}

	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", report.Status)
	}
	if got := report.Steps["a"]; got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("step a = %+v, want failed after 2 attempts", got)
	}
	for _, id := range []string{"b", "c"} {
		if report.Steps[id].Status != StatusSkipped {
			t.Fatalf("step %s = %q, want skipped", id, report.Steps[id].Status)
		}
	}
	if report.Steps["d"].Status != StatusSucceeded {
		t.Fatalf("independent step d = %q, want succeeded", report.Steps["d"].Status)
	}
	if !reflect.DeepEqual(report.Failed, []string{"a"}) {
		t.Fatalf("failed = %v", report.Failed)
	}
	if !reflect.DeepEqual(report.Skipped, []string{"b", "c"}) {
		t.Fatalf("skipped = %v", report.Skipped)
	}
}

func TestRun_SameInputsSameReport(t *testing.T) {
	e := newTestEngine(func(_ context.Context, req sandbox.Request) sandbox.Result {
		return okResult(map[string]any{"echo": req.Args["msg"]})
	})
	def := &workflow.Definition{
		Name: "repeat",
		Steps: []workflow.Step{
			toolStep("fan1", "echo", map[string]any{"msg": "{{ inputs.seed }}"}),
			toolStep("fan2", "echo", map[string]any{"msg": "{{ inputs.seed }}"}),
			toolStep("join", "echo", map[string]any{
				"msg": "{{ steps.fan1.output.echo }}+{{ steps.fan2.output.echo }}",
			}),
		},
		Outputs: []workflow.OutputSpec{{Name: "joined", From: "steps.join.output.echo"}},
	}
	inputs := map[string]any{"seed": "x"}

	first := e.Run(context.Background(), def, inputs)
	second := e.Run(context.Background(), def, inputs)
	if first.Status != StatusSucceeded || second.Status != StatusSucceeded {
		t.Fatalf("statuses = %q, %q", first.Status, second.Status)
	}
	if !reflect.DeepEqual(first.Outputs, second.Outputs) {
		t.Fatalf("outputs differ: %v vs %v", first.Outputs, second.Outputs)
	}
	for id := range first.Steps {
		a, b := first.Steps[id], second.Steps[id]
		if a.Status != b.Status || !reflect.DeepEqual(a.Output, b.Output) {
			t.Fatalf("step %s diverged: %+v vs %+v", id, a, b)
		}
	}
}

func TestRun_ValidationGate(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(func(context.Context, sandbox.Request) sandbox.Result {
		calls.Add(1)
		return okResult(nil)
	})

	def := &workflow.Definition{Name: "empty"}
	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusFailed || report.ErrorKind != workflow.EmptyWorkflow {
		t.Fatalf("report = %+v, want empty-workflow failure", report)
	}
	if calls.Load() != 0 {
		t.Fatalf("executor called %d times on invalid workflow", calls.Load())
	}
}

func TestRun_InputDeclarations(t *testing.T) {
	e := newTestEngine(func(_ context.Context, req sandbox.Request) sandbox.Result {
		return okResult(req.Args["v"])
	})
	def := &workflow.Definition{
		Name: "inputs",
		Inputs: []workflow.InputSpec{
			{Name: "must", Required: true},
			{Name: "opt", Default: "fallback"},
		},
		Steps: []workflow.Step{
			toolStep("s", "echo", map[string]any{"v": "{{ inputs.opt }}"}),
		},
		Outputs: []workflow.OutputSpec{{Name: "v", From: "steps.s.output"}},
	}

	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusFailed || report.ErrorKind != "input" {
		t.Fatalf("missing required input: report = %+v", report)
	}

	report = e.Run(context.Background(), def, map[string]any{"must": 1})
	if report.Status != StatusSucceeded {
		t.Fatalf("status = %q (%s)", report.Status, report.Error)
	}
	if report.Outputs["v"] != "fallback" {
		t.Fatalf("default not applied: %v", report.Outputs["v"])
	}

	report = e.Run(context.Background(), def, map[string]any{"must": 1, "stray": true})
	if report.Status != StatusFailed || report.ErrorKind != "input" {
		t.Fatalf("undeclared input accepted: %+v", report)
	}
}

func TestRun_RetrySucceedsAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(func(context.Context, sandbox.Request) sandbox.Result {
		if calls.Add(1) < 3 {
			return failResult("transient")
		}
		return okResult("done")
	})
	def := &workflow.Definition{
		Name: "retry",
		Steps: []workflow.Step{{
			ID: "flaky", Code: "1",
			Retry: &workflow.RetryPolicy{MaxAttempts: 3},
		}},
	}

	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusSucceeded {
		t.Fatalf("status = %q (%s)", report.Status, report.Error)
	}
	if got := report.Steps["flaky"]; got.Attempts != 3 || got.Output != "done" {
		t.Fatalf("step = %+v, want success on attempt 3", got)
	}
}

func TestRun_ParallelismCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	e := newTestEngine(func(context.Context, sandbox.Request) sandbox.Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return okResult(nil)
	})

	var steps []workflow.Step
	for i := 0; i < 6; i++ {
		steps = append(steps, workflow.Step{ID: fmt.Sprintf("s%d", i), Code: "1"})
	}
	def := &workflow.Definition{
		Name:     "ceiling",
		Steps:    steps,
		Defaults: workflow.Defaults{MaxParallel: 2},
	}

	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusSucceeded {
		t.Fatalf("status = %q", report.Status)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	sink := events.NewMemory()
	exec := &fakeExec{fn: func(context.Context, sandbox.Request) sandbox.Result {
		return okResult(nil)
	}}
	e := New(exec, func(string) bool { return true }, Config{}, sink, nil)

	def := &workflow.Definition{Name: "ev", Steps: []workflow.Step{{ID: "one", Code: "1"}}}
	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusSucceeded {
		t.Fatalf("status = %q", report.Status)
	}

	evs := sink.Events()
	if len(evs) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(evs), evs)
	}
	if evs[0].Type != events.RunStarted || evs[len(evs)-1].Type != events.RunFinished {
		t.Fatalf("lifecycle framing wrong: first=%s last=%s", evs[0].Type, evs[len(evs)-1].Type)
	}
	if evs[1].Type != events.StepStarted || evs[2].Type != events.StepFinished {
		t.Fatalf("step events wrong: %s, %s", evs[1].Type, evs[2].Type)
	}
	for _, ev := range evs {
		if ev.RunID != report.RunID {
			t.Fatalf("event run id %q != report %q", ev.RunID, report.RunID)
		}
	}
}

func TestRun_OutputPathMissingFailsRun(t *testing.T) {
	e := newTestEngine(func(context.Context, sandbox.Request) sandbox.Result {
		return okResult(map[string]any{"present": 1})
	})
	def := &workflow.Definition{
		Name:    "outs",
		Steps:   []workflow.Step{{ID: "s", Code: "1"}},
		Outputs: []workflow.OutputSpec{{Name: "gone", From: "steps.s.output.absent"}},
	}
	report := e.Run(context.Background(), def, nil)
	if report.Status != StatusFailed || report.ErrorKind != "output" {
		t.Fatalf("report = %+v, want output projection failure", report)
	}
}

func TestRunner_CancelSkipsPendingSteps(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	e := newTestEngine(func(ctx context.Context, req sandbox.Request) sandbox.Result {
		if req.StepID == "slow" {
			started <- req.StepID
			select {
			case <-ctx.Done():
			case <-release:
			}
			return failResult("interrupted")
		}
		return okResult(nil)
	})
	runner := NewRunner(e)

	def := &workflow.Definition{
		Name: "cancel",
		Steps: []workflow.Step{
			{ID: "slow", Code: "1"},
			{ID: "after", Code: "1", DependsOn: []string{"slow"}},
		},
	}

	var report *Report
	done := make(chan struct{})
	go func() {
		report = runner.Run(context.Background(), def, nil)
		close(done)
	}()

	<-started
	ids := runner.Active()
	if len(ids) != 1 {
		t.Fatalf("active runs = %v, want one", ids)
	}
	if !runner.Cancel(ids[0]) {
		t.Fatal("cancel returned false for active run")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("run did not stop after cancel")
	}

	if report.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", report.Status)
	}
	if report.Steps["after"].Status != StatusSkipped {
		t.Fatalf("pending step = %q, want skipped", report.Steps["after"].Status)
	}
	if runner.Cancel(ids[0]) {
		t.Fatal("cancel of finished run returned true")
	}
}

func TestBindInitialInputs_NoDeclarationsPassThrough(t *testing.T) {
	def := &workflow.Definition{Name: "free"}
	got, err := bindInitialInputs(def, map[string]any{"anything": 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["anything"] != 42 {
		t.Fatalf("got %v", got)
	}
}

func TestBindStep_UnresolvedReferenceFails(t *testing.T) {
	run := &runState{
		inputs:  map[string]any{},
		results: map[string]*StepResult{},
	}
	step := &workflow.Step{
		ID: "s", Tool: "echo",
		Params: map[string]any{"v": "{{ steps.ghost.output }}"},
	}
	if _, err := run.bindStep(step); err == nil {
		t.Fatal("expected bind error for unresolved reference")
	}
}
