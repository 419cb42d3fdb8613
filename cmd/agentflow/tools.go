package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hyperifyio/agentflow/internal/config"
)

// Run implements the tools command.
func (c *ToolsCmd) Run(cfg *config.Config, logger *slog.Logger) error {
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.Refresh {
		if err := rt.registry.Refresh(ctx, ""); err != nil {
			logger.Warn("refresh incomplete", "error", err)
		}
	}
	descriptors := rt.registry.List(ctx)

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}
	if len(descriptors) == 0 {
		fmt.Println("no tools discovered")
		return nil
	}
	for _, d := range descriptors {
		staleMark := ""
		if d.Stale {
			staleMark = " (stale)"
		}
		fmt.Printf("%-24s %-10s %s%s\n", d.Name, d.Version, d.Description, staleMark)
	}
	return nil
}
