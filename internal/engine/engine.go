// Package engine drives validated workflows to completion: it schedules
// steps in dependency order, binds their inputs, dispatches each attempt to
// the sandboxed executor, propagates failure forward through the DAG, and
// produces the final execution report.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hyperifyio/agentflow/internal/events"
	"github.com/hyperifyio/agentflow/internal/sandbox"
	"github.com/hyperifyio/agentflow/internal/workflow"
)

// Step statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// StepResult is the externally visible outcome of one step. Retried steps
// produce fresh attempts; the result reflects only the last one.
type StepResult struct {
	StepID    string        `json:"stepId"`
	Status    string        `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Violation string        `json:"violation,omitempty"`
	Attempts  int           `json:"attempts"`
	StartedAt time.Time     `json:"startedAt,omitzero"`
	Duration  time.Duration `json:"duration"`
}

// Report is the final per-run summary.
type Report struct {
	RunID     string                `json:"runId"`
	Workflow  string                `json:"workflow"`
	Status    string                `json:"status"` // succeeded or failed
	ErrorKind string                `json:"errorKind,omitempty"`
	Error     string                `json:"error,omitempty"`
	Steps     map[string]StepResult `json:"steps"`
	Outputs   map[string]any        `json:"outputs,omitempty"`
	Failed    []string              `json:"failedSteps,omitempty"`
	Skipped   []string              `json:"skippedSteps,omitempty"`
	StartedAt time.Time             `json:"startedAt"`
	Duration  time.Duration         `json:"duration"`
}

// StepExecutor runs one step attempt in isolation. *sandbox.Executor is the
// production implementation.
type StepExecutor interface {
	Execute(ctx context.Context, req sandbox.Request, limits sandbox.Limits) sandbox.Result
}

// Config carries engine-level fallbacks for per-step and per-workflow
// settings.
type Config struct {
	// MaxParallel caps concurrently executing steps. Zero means 4.
	MaxParallel int
	// StepTimeout applies when neither step nor workflow sets one.
	StepTimeout time.Duration
	// Retry applies when neither step nor workflow sets a policy.
	Retry *workflow.RetryPolicy
	// DeferToolCheck leaves tool resolution to run time.
	DeferToolCheck bool
	// Sandbox defaults applied to every attempt.
	OutputKB       int
	MaxCallStack   int
	AllowedModules []string
	WorkDir        string
}

func (c Config) maxParallel(def *workflow.Definition) int64 {
	n := c.MaxParallel
	if def.Defaults.MaxParallel > 0 {
		n = def.Defaults.MaxParallel
	}
	if n <= 0 {
		n = 4
	}
	return int64(n)
}

// Engine executes workflow definitions.
type Engine struct {
	exec   StepExecutor
	peek   func(string) bool
	cfg    Config
	sink   events.Sink
	logger *slog.Logger
}

// New builds an engine. peek may be nil when tool checks are deferred; sink
// and logger may be nil.
func New(exec StepExecutor, peek func(string) bool, cfg Config, sink events.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{exec: exec, peek: peek, cfg: cfg, sink: sink, logger: logger}
}

// Run validates and executes a definition with the given initial inputs.
func (e *Engine) Run(ctx context.Context, def *workflow.Definition, inputs map[string]any) *Report {
	return e.RunWithID(ctx, uuid.NewString(), def, inputs)
}

// RunWithID executes under a caller-chosen run id. The Runner uses this to
// register cancellation before the first step starts.
func (e *Engine) RunWithID(ctx context.Context, runID string, def *workflow.Definition, inputs map[string]any) *Report {
	started := time.Now()
	report := &Report{
		RunID:     runID,
		Workflow:  def.Name,
		Steps:     make(map[string]StepResult),
		StartedAt: started,
	}

	dag, verr := workflow.Validate(def, workflow.Options{
		PeekTool:       e.peek,
		DeferToolCheck: e.cfg.DeferToolCheck,
	})
	if verr != nil {
		report.Status = StatusFailed
		report.ErrorKind = verr.Kind
		report.Error = verr.Detail
		report.Duration = time.Since(started)
		return report
	}

	bound, err := bindInitialInputs(def, inputs)
	if err != nil {
		report.Status = StatusFailed
		report.ErrorKind = "input"
		report.Error = err.Error()
		report.Duration = time.Since(started)
		return report
	}

	e.publish(ctx, events.Event{
		Type: events.RunStarted, RunID: runID, Workflow: def.Name, At: time.Now(),
	})

	run := &runState{
		engine:  e,
		runID:   runID,
		def:     def,
		dag:     dag,
		inputs:  bound,
		results: make(map[string]*StepResult, len(dag.Steps)),
		done:    make(map[string]chan struct{}, len(dag.Steps)),
		sem:     semaphore.NewWeighted(e.cfg.maxParallel(def)),
	}
	for id := range dag.Steps {
		run.done[id] = make(chan struct{})
		run.results[id] = &StepResult{StepID: id, Status: StatusPending}
	}
	run.execute(ctx)

	e.finalize(report, run)
	e.publish(ctx, events.Event{
		Type: events.RunFinished, RunID: runID, Workflow: def.Name,
		Status: report.Status, Error: report.Error, At: time.Now(),
	})
	return report
}

// runState is the per-run execution context: the only run-scoped mutable
// state, written once per step attempt under mu.
type runState struct {
	engine  *Engine
	runID   string
	def     *workflow.Definition
	dag     *workflow.DAG
	inputs  map[string]any
	sem     *semaphore.Weighted

	mu      sync.Mutex
	results map[string]*StepResult
	done    map[string]chan struct{}
}

func (r *runState) execute(ctx context.Context) {
	var wg sync.WaitGroup
	for id := range r.dag.Steps {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.runStep(ctx, id)
		}(id)
	}
	wg.Wait()
}

// runStep suspends until every dependency is terminal, then executes the
// step or skips it when a dependency did not succeed.
func (r *runState) runStep(ctx context.Context, id string) {
	defer close(r.done[id])
	step := r.dag.Steps[id]

	for _, dep := range r.dag.Deps[id] {
		select {
		case <-r.done[dep]:
		case <-ctx.Done():
			r.setResult(ctx, id, StepResult{
				StepID: id, Status: StatusSkipped, Error: "run canceled",
			})
			return
		}
	}
	for _, dep := range r.dag.Deps[id] {
		if r.status(dep) != StatusSucceeded {
			r.setResult(ctx, id, StepResult{
				StepID: id, Status: StatusSkipped,
				Error: fmt.Sprintf("dependency %q did not succeed", dep),
			})
			return
		}
	}
	if ctx.Err() != nil {
		r.setResult(ctx, id, StepResult{StepID: id, Status: StatusSkipped, Error: "run canceled"})
		return
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.setResult(ctx, id, StepResult{StepID: id, Status: StatusSkipped, Error: "run canceled"})
		return
	}
	defer r.sem.Release(1)

	r.markRunning(ctx, id)
	result := r.attempt(ctx, step)
	r.setResult(ctx, id, result)
}

// attempt binds inputs once and replays the step identically per retry
// attempt until it succeeds or the budget is exhausted.
func (r *runState) attempt(ctx context.Context, step *workflow.Step) StepResult {
	started := time.Now()
	out := StepResult{StepID: step.ID, StartedAt: started}

	args, err := r.bindStep(step)
	if err != nil {
		out.Status = StatusFailed
		out.Error = fmt.Sprintf("bind inputs: %v", err)
		out.Attempts = 1
		out.Duration = time.Since(started)
		return out
	}

	req := sandbox.Request{
		StepID: step.ID,
		Kind:   step.Kind(),
		Tool:   step.Tool,
		Code:   step.Code,
		Args:   args,
	}
	limits := r.limits(step)
	policy := r.retryPolicy(step)
	attempts := policy.Attempts()

	var res sandbox.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		res = r.engine.exec.Execute(ctx, req, limits)
		if res.OK {
			out.Status = StatusSucceeded
			out.Output = res.Output
			out.Duration = time.Since(started)
			return out
		}
		r.engine.logger.Debug("step attempt failed",
			"run", r.runID, "step", step.ID, "attempt", attempt,
			"violation", string(res.Violation), "detail", res.Diagnostic)
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if delay := policy.BackoffDelay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	out.Status = StatusFailed
	out.Error = res.Diagnostic
	out.Violation = string(res.Violation)
	out.Duration = time.Since(started)
	return out
}

func (r *runState) limits(step *workflow.Step) sandbox.Limits {
	timeout := step.Timeout.D
	if timeout <= 0 {
		timeout = r.def.Defaults.Timeout.D
	}
	if timeout <= 0 {
		timeout = r.engine.cfg.StepTimeout
	}
	return sandbox.Limits{
		Wall:           timeout,
		OutputKB:       r.engine.cfg.OutputKB,
		MaxCallStack:   r.engine.cfg.MaxCallStack,
		AllowedModules: r.engine.cfg.AllowedModules,
		WorkDir:        r.engine.cfg.WorkDir,
	}
}

func (r *runState) retryPolicy(step *workflow.Step) *workflow.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	if r.def.Defaults.Retry != nil {
		return r.def.Defaults.Retry
	}
	return r.engine.cfg.Retry
}

func (r *runState) status(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id].Status
}

func (r *runState) markRunning(ctx context.Context, id string) {
	r.mu.Lock()
	r.results[id].Status = StatusRunning
	r.mu.Unlock()
	r.engine.publish(ctx, events.Event{
		Type: events.StepStarted, RunID: r.runID, Workflow: r.def.Name,
		StepID: id, Status: StatusRunning, At: time.Now(),
	})
}

func (r *runState) setResult(ctx context.Context, id string, res StepResult) {
	r.mu.Lock()
	*r.results[id] = res
	r.mu.Unlock()
	r.engine.publish(ctx, events.Event{
		Type: events.StepFinished, RunID: r.runID, Workflow: r.def.Name,
		StepID: id, Status: res.Status, Attempt: res.Attempts, Error: res.Error,
		At: time.Now(),
	})
}

func (e *Engine) finalize(report *Report, run *runState) {
	run.mu.Lock()
	defer run.mu.Unlock()

	succeeded := true
	for id, res := range run.results {
		report.Steps[id] = *res
		switch res.Status {
		case StatusFailed:
			report.Failed = append(report.Failed, id)
			succeeded = false
		case StatusSkipped:
			report.Skipped = append(report.Skipped, id)
			succeeded = false
		case StatusSucceeded:
		default:
			succeeded = false
		}
	}
	sort.Strings(report.Failed)
	sort.Strings(report.Skipped)

	if succeeded {
		report.Status = StatusSucceeded
		outputs, err := projectOutputs(run.def, run.results)
		if err != nil {
			report.Status = StatusFailed
			report.ErrorKind = "output"
			report.Error = err.Error()
		} else {
			report.Outputs = outputs
		}
	} else {
		report.Status = StatusFailed
		if report.Error == "" {
			report.Error = fmt.Sprintf("%d step(s) failed, %d skipped",
				len(report.Failed), len(report.Skipped))
		}
	}
	report.Duration = time.Since(report.StartedAt)
}

// publish delivers a lifecycle event best-effort: a failing sink is logged,
// never allowed to fail the run.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	// Deliver even when the run context is already canceled.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("event sink publish failed", "type", ev.Type, "run", ev.RunID, "error", err)
	}
}
