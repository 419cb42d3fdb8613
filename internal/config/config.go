// Package config provides configuration loading for the agentflow runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Registry RegistryConfig `toml:"registry"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Sources  SourcesConfig  `toml:"sources"`
	Events   EventsConfig   `toml:"events"`
	Trace    TraceConfig    `toml:"trace"`
}

// EngineConfig contains scheduler-level settings.
type EngineConfig struct {
	MaxParallel int    `toml:"max_parallel"` // concurrent step ceiling (default 4)
	StepTimeout string `toml:"step_timeout"` // per-step wall clock (default "30s")
	MaxAttempts int    `toml:"max_attempts"` // default retry budget (default 1)
	Backoff     string `toml:"backoff"`      // "fixed" or "exponential"
	RetryDelay  string `toml:"retry_delay"`  // base delay between attempts
}

// RegistryConfig contains tool catalog settings.
type RegistryConfig struct {
	TTL            string `toml:"ttl"`              // descriptor cache lifetime (default "5m")
	DeferToolCheck bool   `toml:"defer_tool_check"` // skip tool resolution during validation
}

// SandboxConfig bounds inline-code step execution.
type SandboxConfig struct {
	OutputKB       int      `toml:"output_kb"`       // emit buffer cap in KiB (default 64)
	MaxCallStack   int      `toml:"max_call_stack"`  // interpreter stack frame ceiling
	AllowedModules []string `toml:"allowed_modules"` // modules guest code may require
	WorkDir        string   `toml:"work_dir"`        // file access grant; empty denies all
}

// SourcesConfig lists where tool descriptors come from.
type SourcesConfig struct {
	Manifests []string                   `toml:"manifests"` // tools.json manifest paths
	MCP       map[string]MCPServerConfig `toml:"mcp"`       // stdio MCP servers by name
}

// MCPServerConfig configures one MCP server subprocess.
type MCPServerConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args,omitempty"`
	Env     []string `toml:"env,omitempty"` // KEY=VALUE pairs
}

// EventsConfig configures the lifecycle event sink.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"` // empty disables publishing
	Prefix  string `toml:"prefix"`   // subject prefix (default "agentflow")
}

// TraceConfig configures run report persistence.
type TraceConfig struct {
	Dir string `toml:"dir"` // empty disables trace writes
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallel: 4,
			StepTimeout: "30s",
			MaxAttempts: 1,
			Backoff:     "fixed",
			RetryDelay:  "1s",
		},
		Registry: RegistryConfig{
			TTL: "5m",
		},
		Sandbox: SandboxConfig{
			OutputKB:     64,
			MaxCallStack: 2048,
		},
		Events: EventsConfig{
			Prefix: "agentflow",
		},
	}
}

// LoadFile loads configuration from a TOML file on top of the defaults.
// Unknown keys are an error so typos do not silently fall back to defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads agentflow.toml from the working directory when present,
// otherwise returns the defaults.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cwd, "agentflow.toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return LoadFile(path)
}

// Validate rejects values that would misconfigure the runtime.
func (c *Config) Validate() error {
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must not be negative")
	}
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine.max_attempts must not be negative")
	}
	switch c.Engine.Backoff {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("engine.backoff %q not recognized", c.Engine.Backoff)
	}
	for _, field := range []struct {
		name, value string
	}{
		{"engine.step_timeout", c.Engine.StepTimeout},
		{"engine.retry_delay", c.Engine.RetryDelay},
		{"registry.ttl", c.Registry.TTL},
	} {
		if _, err := parseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %v", field.name, err)
		}
	}
	if c.Sandbox.OutputKB < 0 {
		return fmt.Errorf("sandbox.output_kb must not be negative")
	}
	for name, srv := range c.Sources.MCP {
		if srv.Command == "" {
			return fmt.Errorf("sources.mcp.%s: command is required", name)
		}
	}
	return nil
}

// StepTimeout returns the parsed engine step timeout.
func (c *Config) StepTimeout() time.Duration { return mustDuration(c.Engine.StepTimeout) }

// RetryDelay returns the parsed base retry delay.
func (c *Config) RetryDelay() time.Duration { return mustDuration(c.Engine.RetryDelay) }

// RegistryTTL returns the parsed descriptor cache lifetime.
func (c *Config) RegistryTTL() time.Duration { return mustDuration(c.Registry.TTL) }

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// mustDuration assumes Validate already ran.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
