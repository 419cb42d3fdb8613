package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentflow.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[engine]
max_parallel = 8
step_timeout = "10s"
max_attempts = 3
backoff = "exponential"
retry_delay = "250ms"

[registry]
ttl = "1m"
defer_tool_check = true

[sandbox]
output_kb = 128
allowed_modules = ["textutil"]
work_dir = "/tmp/agentflow"

[sources]
manifests = ["./tools.json"]

[sources.mcp.files]
command = "mcp-files"
args = ["--root", "/data"]

[events]
nats_url = "nats://localhost:4222"

[trace]
dir = "/var/lib/agentflow/traces"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxParallel != 8 || cfg.Engine.MaxAttempts != 3 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.StepTimeout() != 10*time.Second {
		t.Fatalf("step timeout = %v", cfg.StepTimeout())
	}
	if cfg.RetryDelay() != 250*time.Millisecond {
		t.Fatalf("retry delay = %v", cfg.RetryDelay())
	}
	if cfg.RegistryTTL() != time.Minute || !cfg.Registry.DeferToolCheck {
		t.Fatalf("registry = %+v", cfg.Registry)
	}
	if cfg.Sandbox.OutputKB != 128 || cfg.Sandbox.WorkDir != "/tmp/agentflow" {
		t.Fatalf("sandbox = %+v", cfg.Sandbox)
	}
	srv, ok := cfg.Sources.MCP["files"]
	if !ok || srv.Command != "mcp-files" || len(srv.Args) != 2 {
		t.Fatalf("mcp server = %+v", srv)
	}
	if cfg.Events.NATSURL == "" || cfg.Events.Prefix != "agentflow" {
		t.Fatalf("events = %+v", cfg.Events)
	}
	if cfg.Trace.Dir != "/var/lib/agentflow/traces" {
		t.Fatalf("trace = %+v", cfg.Trace)
	}
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[engine]
max_paralel = 8
`)
	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("got %v, want unknown key error", err)
	}
}

func TestLoadFile_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad duration", "[engine]\nstep_timeout = \"soon\"\n"},
		{"bad backoff", "[engine]\nbackoff = \"random\"\n"},
		{"negative parallel", "[engine]\nmax_parallel = -1\n"},
		{"mcp without command", "[sources.mcp.x]\nargs = [\"-v\"]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, tc.body)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Engine.MaxParallel != 4 || cfg.StepTimeout() != 30*time.Second {
		t.Fatalf("defaults = %+v", cfg.Engine)
	}
	if cfg.RegistryTTL() != 5*time.Minute {
		t.Fatalf("registry ttl = %v", cfg.RegistryTTL())
	}
}
