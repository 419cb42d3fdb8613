package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hyperifyio/agentflow/internal/config"
	"github.com/hyperifyio/agentflow/internal/trace"
)

func traceStore(cfg *config.Config) (*trace.Store, error) {
	if cfg.Trace.Dir == "" {
		return nil, fmt.Errorf("trace.dir is not configured")
	}
	return trace.NewStore(cfg.Trace.Dir), nil
}

// Run implements trace list.
func (c *TraceListCmd) Run(cfg *config.Config) error {
	store, err := traceStore(cfg)
	if err != nil {
		return err
	}
	ids, err := store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// Run implements trace show.
func (c *TraceShowCmd) Run(cfg *config.Config) error {
	store, err := traceStore(cfg)
	if err != nil {
		return err
	}
	report, err := store.Load(c.RunID)
	if err != nil {
		return fmt.Errorf("load trace %s: %w", c.RunID, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// Run implements trace compare.
func (c *TraceCompareCmd) Run(cfg *config.Config) error {
	store, err := traceStore(cfg)
	if err != nil {
		return err
	}
	first, err := store.Load(c.First)
	if err != nil {
		return fmt.Errorf("load trace %s: %w", c.First, err)
	}
	second, err := store.Load(c.Second)
	if err != nil {
		return fmt.Errorf("load trace %s: %w", c.Second, err)
	}

	diffs := trace.Compare(first, second)
	if len(diffs) == 0 {
		fmt.Println("runs are equivalent")
		return nil
	}
	for _, d := range diffs {
		fmt.Println(d)
	}
	return fmt.Errorf("%d difference(s)", len(diffs))
}
