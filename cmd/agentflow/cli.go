// Package main defines the agentflow CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config  string `help:"Config file path (default: ./agentflow.toml)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Run      RunCmd      `cmd:"" help:"Run a workflow"`
	Validate ValidateCmd `cmd:"" help:"Validate a workflow file"`
	Tools    ToolsCmd    `cmd:"" help:"List available tools"`
	Trace    TraceCmd    `cmd:"" help:"Inspect saved run traces"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd executes a workflow file.
type RunCmd struct {
	File     string            `arg:"" help:"Workflow YAML path"`
	Input    map[string]string `short:"i" help:"Input key=value (repeatable); values parse as JSON when possible"`
	TraceDir string            `help:"Directory for run traces (overrides config)"`
	Quiet    bool              `help:"Print only the final outputs"`
}

// ValidateCmd checks a workflow file without running it.
type ValidateCmd struct {
	File       string `arg:"" help:"Workflow YAML path"`
	SkipTools  bool   `help:"Skip tool existence checks"`
	JSONOutput bool   `name:"json" help:"Print the result as JSON"`
}

// ToolsCmd lists the tools visible through the configured sources.
type ToolsCmd struct {
	Refresh bool `help:"Force a catalog refresh before listing"`
	JSON    bool `help:"Print descriptors as JSON"`
}

// TraceCmd reads saved traces.
type TraceCmd struct {
	List    TraceListCmd    `cmd:"" help:"List saved run ids"`
	Show    TraceShowCmd    `cmd:"" help:"Print one saved report"`
	Compare TraceCompareCmd `cmd:"" help:"Compare two runs for replay equivalence"`
}

// TraceListCmd lists saved run ids.
type TraceListCmd struct{}

// TraceShowCmd prints one saved report as JSON.
type TraceShowCmd struct {
	RunID string `arg:"" help:"Run id to show"`
}

// TraceCompareCmd diffs two saved runs.
type TraceCompareCmd struct {
	First  string `arg:"" help:"First run id"`
	Second string `arg:"" help:"Second run id"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
