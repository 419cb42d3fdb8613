package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperifyio/agentflow/internal/config"
	"github.com/hyperifyio/agentflow/internal/engine"
	"github.com/hyperifyio/agentflow/internal/trace"
	"github.com/hyperifyio/agentflow/internal/workflow"
)

// Run implements the run command.
func (c *RunCmd) Run(cfg *config.Config, logger *slog.Logger) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	def, verr := workflow.Parse(data)
	if verr != nil {
		return fmt.Errorf("%s: %s", verr.Kind, verr.Detail)
	}

	inputs, err := parseInputs(c.Input)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Registry.DeferToolCheck {
		if err := warmRegistry(ctx, rt, 30*time.Second); err != nil {
			logger.Warn("tool discovery incomplete", "error", err)
		}
	}

	logger.Info("running workflow", "name", def.Name, "steps", len(def.Steps))
	report := rt.runner.Run(ctx, def, inputs)

	traceDir := cfg.Trace.Dir
	if c.TraceDir != "" {
		traceDir = c.TraceDir
	}
	if traceDir != "" {
		store := trace.NewStore(traceDir)
		if path, err := store.Save(report); err != nil {
			logger.Warn("trace not saved", "error", err)
		} else {
			logger.Info("trace saved", "path", path)
		}
	}

	if err := printReport(report, c.Quiet); err != nil {
		return err
	}
	if report.Status != engine.StatusSucceeded {
		return fmt.Errorf("run %s failed: %s", report.RunID, report.Error)
	}
	return nil
}

func printReport(report *engine.Report, quiet bool) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if quiet {
		return enc.Encode(report.Outputs)
	}
	return enc.Encode(report)
}

// parseInputs decodes each value as JSON when it parses, otherwise keeps the
// raw string. "count=3" yields a number, "name=alice" a string.
func parseInputs(raw map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "" {
			return nil, fmt.Errorf("empty input key")
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			inputs[k] = parsed
		} else {
			inputs[k] = v
		}
	}
	return inputs, nil
}
