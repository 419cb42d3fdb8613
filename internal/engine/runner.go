package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperifyio/agentflow/internal/workflow"
)

// Runner tracks in-flight runs so callers can cancel them by id while Run
// blocks on another goroutine.
type Runner struct {
	engine *Engine

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewRunner wraps an engine with run tracking.
func NewRunner(e *Engine) *Runner {
	return &Runner{engine: e, runs: make(map[string]context.CancelFunc)}
}

// Run assigns a fresh run id, registers it for cancellation, and executes
// the definition to completion.
func (r *Runner) Run(ctx context.Context, def *workflow.Definition, inputs map[string]any) *Report {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.runs[runID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}()

	return r.engine.RunWithID(runCtx, runID, def, inputs)
}

// Cancel aborts the run with the given id. Running steps are interrupted;
// pending steps are skipped. Returns false when the id is unknown or the
// run already finished.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of runs still in flight.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}
