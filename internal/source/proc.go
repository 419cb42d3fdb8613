package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// runProcTool executes a subprocess tool with args JSON on stdin and returns
// its stdout bytes. The process gets a minimal environment (PATH, HOME plus
// the spec's allowlist) and a deadline derived from the spec's timeout.
func runProcTool(ctx context.Context, spec ToolSpec, jsonInput []byte, defaultTimeout time.Duration, logger *slog.Logger) ([]byte, error) {
	start := time.Now()
	to := defaultTimeout
	if spec.TimeoutSec > 0 {
		to = time.Duration(spec.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = buildToolEnv(spec)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Name, err)
	}

	if len(jsonInput) == 0 {
		jsonInput = []byte("{}")
	}
	// A write failure (closed pipe, early exit) must still reach Wait below,
	// or the child is never reaped.
	var stdinErr error
	if _, err := stdin.Write(jsonInput); err != nil {
		stdinErr = fmt.Errorf("write stdin: %w", err)
	}
	if err := stdin.Close(); err != nil {
		logger.Warn("tool stdin close", "tool", spec.Name, "error", err)
	}

	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() { outCh <- readAllBestEffort(stdout) }()
	go func() { errCh <- readAllBestEffort(stderr) }()

	waitErr := cmd.Wait()
	out := <-outCh
	serr := <-errCh

	logger.Debug("tool process finished",
		"tool", spec.Name,
		"exit", exitCode(waitErr),
		"ms", time.Since(start).Milliseconds(),
		"stdoutBytes", len(out),
		"stderrBytes", len(serr))

	if err := normalizeWaitError(ctx, waitErr, string(serr)); err != nil {
		return nil, err
	}
	if stdinErr != nil {
		return nil, stdinErr
	}
	return out, nil
}

func buildToolEnv(spec ToolSpec) []string {
	var env []string
	if v := os.Getenv("PATH"); v != "" {
		env = append(env, "PATH="+v)
	}
	if v := os.Getenv("HOME"); v != "" {
		env = append(env, "HOME="+v)
	}
	for _, key := range spec.EnvPassthrough {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// normalizeWaitError maps timeout and process errors to deterministic errors.
func normalizeWaitError(ctx context.Context, waitErr error, stderrText string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New("tool timed out")
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderrText)
		if msg == "" {
			msg = waitErr.Error()
		}
		return errors.New(msg)
	}
	return nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) && ee.ProcessState != nil {
		return ee.ProcessState.ExitCode()
	}
	return -1
}

func readAllBestEffort(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
