package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hyperifyio/agentflow/internal/config"
	"github.com/hyperifyio/agentflow/internal/workflow"
)

// validateResult is the JSON shape printed by validate --json.
type validateResult struct {
	Valid bool     `json:"valid"`
	Kind  string   `json:"kind,omitempty"`
	Error string   `json:"error,omitempty"`
	Steps int      `json:"steps,omitempty"`
	Order []string `json:"order,omitempty"`
}

// Run implements the validate command.
func (c *ValidateCmd) Run(cfg *config.Config, logger *slog.Logger) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}

	opts := workflow.Options{DeferToolCheck: true}
	if !c.SkipTools && !cfg.Registry.DeferToolCheck {
		rt, err := buildRuntime(cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := warmRegistry(context.Background(), rt, 30*time.Second); err != nil {
			logger.Warn("tool discovery incomplete", "error", err)
		}
		opts = workflow.Options{PeekTool: peekFunc(rt.registry)}
	}

	result := validateResult{Valid: true}
	def, verr := workflow.Parse(data)
	if verr == nil {
		var dag *workflow.DAG
		if dag, verr = workflow.Validate(def, opts); verr == nil {
			result.Steps = len(dag.Steps)
			result.Order = dag.Order
		}
	}
	if verr != nil {
		result = validateResult{Kind: verr.Kind, Error: verr.Detail}
	}

	if c.JSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("%s: ok (%d steps)\n", c.File, result.Steps)
	} else {
		fmt.Printf("%s: %s: %s\n", c.File, result.Kind, result.Error)
	}

	if !result.Valid {
		return fmt.Errorf("workflow invalid: %s", result.Kind)
	}
	return nil
}
