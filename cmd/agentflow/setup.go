package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/hyperifyio/agentflow/internal/config"
	"github.com/hyperifyio/agentflow/internal/engine"
	"github.com/hyperifyio/agentflow/internal/events"
	"github.com/hyperifyio/agentflow/internal/registry"
	"github.com/hyperifyio/agentflow/internal/sandbox"
	"github.com/hyperifyio/agentflow/internal/source"
	"github.com/hyperifyio/agentflow/internal/workflow"
)

// runtime bundles the wired components behind one Close.
type runtime struct {
	registry *registry.Registry
	engine   *engine.Engine
	runner   *engine.Runner
	closers  []func() error
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

// buildRuntime wires sources, registry, sandbox, event sink, and engine from
// the loaded configuration.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{}

	sources, err := buildSources(cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry.New(cfg.RegistryTTL(), sources, registry.WithLogger(logger))

	sink, err := buildSink(cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	exec := sandbox.NewExecutor(rt.registry, logger)
	engCfg := engine.Config{
		MaxParallel:    cfg.Engine.MaxParallel,
		StepTimeout:    cfg.StepTimeout(),
		Retry:          defaultRetry(cfg),
		DeferToolCheck: cfg.Registry.DeferToolCheck,
		OutputKB:       cfg.Sandbox.OutputKB,
		MaxCallStack:   cfg.Sandbox.MaxCallStack,
		AllowedModules: cfg.Sandbox.AllowedModules,
		WorkDir:        cfg.Sandbox.WorkDir,
	}
	rt.engine = engine.New(exec, peekFunc(rt.registry), engCfg, sink, logger)
	rt.runner = engine.NewRunner(rt.engine)
	return rt, nil
}

func buildSources(cfg *config.Config, logger *slog.Logger, rt *runtime) ([]registry.Source, error) {
	var sources []registry.Source
	for _, path := range cfg.Sources.Manifests {
		name := "manifest:" + filepath.Base(filepath.Dir(path))
		m := source.NewManifest(name, path, cfg.StepTimeout(), logger)
		if err := m.Watch(); err != nil {
			logger.Warn("manifest watch unavailable", "path", path, "error", err)
		}
		rt.closers = append(rt.closers, m.Close)
		sources = append(sources, m)
	}

	names := make([]string, 0, len(cfg.Sources.MCP))
	for name := range cfg.Sources.MCP {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		srv := cfg.Sources.MCP[name]
		s := source.NewMCP("mcp:"+name, source.MCPConfig{
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		}, logger)
		rt.closers = append(rt.closers, s.Close)
		sources = append(sources, s)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no tool sources configured; set sources.manifests or sources.mcp")
	}
	return sources, nil
}

func buildSink(cfg *config.Config, rt *runtime) (events.Sink, error) {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}, nil
	}
	sink, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.Prefix)
	if err != nil {
		return nil, fmt.Errorf("connect event sink: %w", err)
	}
	rt.closers = append(rt.closers, func() error { sink.Close(); return nil })
	return sink, nil
}

func defaultRetry(cfg *config.Config) *workflow.RetryPolicy {
	if cfg.Engine.MaxAttempts <= 1 {
		return nil
	}
	return &workflow.RetryPolicy{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Backoff:     cfg.Engine.Backoff,
		Delay:       workflow.Duration{D: cfg.RetryDelay()},
	}
}

func peekFunc(reg *registry.Registry) func(string) bool {
	return func(name string) bool {
		_, ok := reg.Peek(name)
		return ok
	}
}

// warmRegistry does a one-shot discovery pass so validation sees the catalog.
func warmRegistry(ctx context.Context, rt *runtime, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rt.registry.Refresh(ctx, "")
}
