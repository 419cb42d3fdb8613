// Command agentflow runs, validates, and inspects declarative workflows.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/hyperifyio/agentflow/internal/config"
)

// Build-time variables (set via ldflags).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentflow"),
		kong.Description("Deterministic workflow runner for agent tool pipelines."),
		kong.UsageOnError(),
		kongVars(),
	)

	logger := newLogger(os.Stderr, cli.Verbose)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	kctx.Bind(logger)
	kctx.Bind(cfg)
	if err := kctx.Run(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(output io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
	})
	return slog.New(handler)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.LoadFile(path)
}

// Run implements the version command.
func (c *VersionCmd) Run() error {
	fmt.Printf("agentflow version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
