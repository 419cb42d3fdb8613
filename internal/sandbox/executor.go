package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Step kinds accepted by Execute.
const (
	KindToolCall   = "tool-call"
	KindInlineCode = "inline-code"
)

// ToolCaller is the capability bridge back to registry-resolved tools. It is
// the only way sandboxed code reaches outside the isolation boundary.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// ModuleLoader builds a host module value for an allow-listed require() name.
type ModuleLoader func(vm *goja.Runtime) goja.Value

// Request is one step handed to the executor with already-bound inputs.
type Request struct {
	StepID string
	Kind   string // KindToolCall or KindInlineCode
	Tool   string // tool-call: registry tool name
	Code   string // inline-code: source text
	Args   map[string]any
}

// Result is the outcome of one sandboxed attempt.
type Result struct {
	// OK reports whether the step produced its output without failure.
	OK bool
	// Output is the step's value: the tool's decoded response, or the
	// completion value of the inline script. Opaque to the engine.
	Output any
	// Diagnostic carries emitted text and error detail.
	Diagnostic string
	// Elapsed is the wall time of this attempt.
	Elapsed time.Duration
	// LimitHit is set when a wall-clock, stack, or output limit aborted
	// the attempt.
	LimitHit bool
	// Violation names the denial category, empty when none.
	Violation ViolationKind
}

// deniedModules can never be granted through the allow-list: they would hand
// inline code host OS, process, raw file, or network capability.
var deniedModules = map[string]struct{}{
	"os": {}, "fs": {}, "process": {}, "child_process": {},
	"net": {}, "http": {}, "https": {}, "dgram": {}, "cluster": {},
}

// Executor runs steps in isolation. The zero value is not usable; construct
// with NewExecutor.
type Executor struct {
	tools   ToolCaller
	modules map[string]ModuleLoader
	logger  *slog.Logger
}

// NewExecutor builds an executor. tools may be nil, in which case inline
// code has no tool bridge and tool-call steps fail.
func NewExecutor(tools ToolCaller, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:   tools,
		modules: make(map[string]ModuleLoader),
		logger:  logger,
	}
}

// RegisterModule provides a host module for allow-listed require() names.
// Names on the hard deny list are rejected.
func (e *Executor) RegisterModule(name string, loader ModuleLoader) error {
	if _, denied := deniedModules[name]; denied {
		return fmt.Errorf("module %q is never grantable", name)
	}
	e.modules[name] = loader
	return nil
}

// Execute runs one step attempt under limits. It never panics into the
// caller; every denial and limit overrun comes back as a classified Result.
func (e *Executor) Execute(ctx context.Context, req Request, limits Limits) Result {
	start := time.Now()
	var res Result
	switch req.Kind {
	case KindToolCall:
		res = e.executeTool(ctx, req, limits)
	case KindInlineCode:
		res = e.executeCode(ctx, req, limits)
	default:
		res = Result{OK: false, Diagnostic: fmt.Sprintf("unknown step kind %q", req.Kind)}
	}
	res.Elapsed = time.Since(start)
	return res
}

func (e *Executor) executeTool(ctx context.Context, req Request, limits Limits) Result {
	if e.tools == nil {
		return Result{OK: false, Diagnostic: "no tool bridge configured"}
	}
	callCtx, cancel := context.WithTimeout(ctx, limits.wall())
	defer cancel()

	out, err := e.tools.Call(callCtx, req.Tool, req.Args)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{
				OK:         false,
				Diagnostic: fmt.Sprintf("tool %q exceeded %s", req.Tool, limits.wall()),
				LimitHit:   true,
				Violation:  ResourceLimit,
			}
		}
		return Result{OK: false, Diagnostic: err.Error()}
	}
	return Result{OK: true, Output: out}
}

func (e *Executor) executeCode(ctx context.Context, req Request, limits Limits) Result {
	vm := goja.New()
	vm.SetMaxCallStackSize(limits.maxCallStack())
	// Fixed-seed RNG keeps replays of the same code and inputs identical.
	vm.SetRandSource(newSeededRand(req.StepID))

	// The deadline context is wired into the host bindings so a blocked
	// tool call aborts with the step instead of outliving the wall clock.
	execCtx, cancel := context.WithTimeout(ctx, limits.wall())
	defer cancel()

	emitted := newBoundedBuffer(limits.OutputKB)
	if err := e.bind(execCtx, vm, req, limits, emitted); err != nil {
		return Result{OK: false, Diagnostic: "sandbox setup: " + err.Error()}
	}

	done := make(chan struct{})
	var (
		value  goja.Value
		runErr error
	)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case *Violation:
					runErr = v
				case error:
					runErr = v
				default:
					runErr = fmt.Errorf("sandbox panic: %v", r)
				}
			}
		}()
		value, runErr = vm.RunString(req.Code)
	}()

	interrupted := false
	select {
	case <-done:
	case <-execCtx.Done():
		interrupted = true
		vm.Interrupt("aborted")
		<-done
	}

	diag := emitted.String()
	if interrupted {
		detail := fmt.Sprintf("execution exceeded %s", limits.wall())
		if ctx.Err() != nil {
			detail = "execution canceled"
		}
		return Result{OK: false, Diagnostic: joinDiag(diag, detail), LimitHit: true, Violation: ResourceLimit}
	}
	if runErr != nil {
		return e.classify(runErr, diag)
	}

	var output any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		output = value.Export()
	}
	return Result{OK: true, Output: output, Diagnostic: diag}
}

func (e *Executor) classify(runErr error, diag string) Result {
	var viol *Violation
	if errors.As(runErr, &viol) {
		return Result{
			OK:         false,
			Diagnostic: joinDiag(diag, viol.Error()),
			LimitHit:   viol.Kind == ResourceLimit,
			Violation:  viol.Kind,
		}
	}
	if _, ok := runErr.(*goja.StackOverflowError); ok {
		return Result{
			OK:         false,
			Diagnostic: joinDiag(diag, "call stack limit exceeded"),
			LimitHit:   true,
			Violation:  ResourceLimit,
		}
	}
	if errors.Is(runErr, ErrOutputLimit) {
		return Result{
			OK:         false,
			Diagnostic: joinDiag(diag, "output limit exceeded"),
			LimitHit:   true,
			Violation:  ResourceLimit,
		}
	}
	// Guest exceptions and syntax errors are plain step failures.
	return Result{OK: false, Diagnostic: joinDiag(diag, runErr.Error())}
}

// bind installs the complete host surface of the sandbox. Nothing else is
// reachable from guest code.
func (e *Executor) bind(ctx context.Context, vm *goja.Runtime, req Request, limits Limits, emitted *boundedBuffer) error {
	inputs, err := cloneJSON(req.Args)
	if err != nil {
		return fmt.Errorf("clone inputs: %w", err)
	}
	if err := vm.Set("inputs", inputs); err != nil {
		return err
	}

	if err := vm.Set("emit", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			if _, werr := emitted.Write([]byte(call.Arguments[0].String())); werr != nil {
				panic(violationf(ResourceLimit, "emitted output exceeded %d KiB", limits.OutputKB))
			}
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	allowed := make(map[string]struct{}, len(limits.AllowedModules))
	for _, m := range limits.AllowedModules {
		allowed[m] = struct{}{}
	}
	if err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if _, denied := deniedModules[name]; denied {
			panic(violationf(ForbiddenImport, "module %q is denied", name))
		}
		if _, ok := allowed[name]; !ok {
			panic(violationf(ForbiddenImport, "module %q is not on the allow-list", name))
		}
		loader, ok := e.modules[name]
		if !ok {
			// Allow-listed but not provided by the host: a catchable error.
			panic(vm.ToValue(fmt.Sprintf("module %q not available", name)))
		}
		return loader(vm)
	}); err != nil {
		return err
	}

	// Dynamic code evaluation is denied outright. Shadowing the globals is
	// not enough: the intrinsic constructors stay reachable through the
	// prototype chain of any function value, so those slots are sealed too.
	denyEval := func(goja.FunctionCall) goja.Value {
		panic(violationf(ForbiddenEval, "dynamic code evaluation is denied"))
	}
	hardenVal, err := vm.RunString(`(function (deny) {
	var thrower = function () { return deny(); };
	var lock = function (proto) {
		Object.defineProperty(proto, "constructor", {
			value: thrower, writable: false, configurable: false,
		});
	};
	lock(Object.getPrototypeOf(function () {}));
	lock(Object.getPrototypeOf(function* () {}));
	lock(Object.getPrototypeOf(async function () {}));
	lock(Object.getPrototypeOf(async function* () {}));
	return thrower;
})`)
	if err != nil {
		return fmt.Errorf("seal constructors: %w", err)
	}
	harden, ok := goja.AssertFunction(hardenVal)
	if !ok {
		return errors.New("seal constructors: prologue is not a function")
	}
	thrower, err := harden(goja.Undefined(), vm.ToValue(denyEval))
	if err != nil {
		return fmt.Errorf("seal constructors: %w", err)
	}
	if err := vm.Set("eval", thrower); err != nil {
		return err
	}
	if err := vm.Set("Function", thrower); err != nil {
		return err
	}

	toolsObj := vm.NewObject()
	if err := toolsObj.Set("call", func(call goja.FunctionCall) goja.Value {
		if e.tools == nil {
			panic(vm.ToValue("tool bridge not available"))
		}
		name := call.Argument(0).String()
		var args map[string]any
		if len(call.Arguments) > 1 {
			if m, ok := call.Argument(1).Export().(map[string]any); ok {
				args = m
			}
		}
		out, err := e.tools.Call(ctx, name, args)
		if err != nil {
			// Tool failures are ordinary, catchable errors, not violations.
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(out)
	}); err != nil {
		return err
	}
	if err := vm.Set("tools", toolsObj); err != nil {
		return err
	}

	workDir := limits.WorkDir
	if workDir != "" {
		abs, aerr := filepath.Abs(workDir)
		if aerr != nil {
			return fmt.Errorf("resolve workdir: %w", aerr)
		}
		workDir = filepath.Clean(abs)
	}
	if err := vm.Set("read_file", func(call goja.FunctionCall) goja.Value {
		p := scopedPath(workDir, call.Argument(0).String())
		data, rerr := os.ReadFile(p)
		if rerr != nil {
			panic(vm.ToValue(rerr.Error()))
		}
		return vm.ToValue(string(data))
	}); err != nil {
		return err
	}
	if err := vm.Set("write_file", func(call goja.FunctionCall) goja.Value {
		p := scopedPath(workDir, call.Argument(0).String())
		if werr := os.WriteFile(p, []byte(call.Argument(1).String()), 0o644); werr != nil {
			panic(vm.ToValue(werr.Error()))
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return nil
}

// scopedPath resolves p inside the granted working directory and panics with
// a forbidden-file-access violation on any escape. Symlinked targets are
// re-checked against the scope.
func scopedPath(workDir, p string) string {
	if workDir == "" {
		panic(violationf(ForbiddenFileAccess, "no working directory granted"))
	}
	cand := p
	if !filepath.IsAbs(cand) {
		cand = filepath.Join(workDir, cand)
	}
	cand = filepath.Clean(cand)
	if !within(workDir, cand) {
		panic(violationf(ForbiddenFileAccess, "path %q escapes the granted directory", p))
	}
	if resolved, err := filepath.EvalSymlinks(cand); err == nil {
		resolvedDir, derr := filepath.EvalSymlinks(workDir)
		if derr != nil {
			resolvedDir = workDir
		}
		if !within(resolvedDir, resolved) {
			panic(violationf(ForbiddenFileAccess, "path %q resolves outside the granted directory", p))
		}
		return resolved
	}
	return cand
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// cloneJSON deep-copies v through a JSON round trip so guest mutations never
// leak back into engine-owned state.
func cloneJSON(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(v))
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// newSeededRand derives a deterministic RNG from the step id so replays see
// the same Math.random() sequence.
func newSeededRand(seed string) func() float64 {
	var state uint64 = 0x9E3779B97F4A7C15
	for _, r := range seed {
		state = state*31 + uint64(r)
	}
	return func() float64 {
		// xorshift64*
		state ^= state >> 12
		state ^= state << 25
		state ^= state >> 27
		return float64(state*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	}
}

func joinDiag(emitted, detail string) string {
	if emitted == "" {
		return detail
	}
	if detail == "" {
		return emitted
	}
	return emitted + "\n" + detail
}
