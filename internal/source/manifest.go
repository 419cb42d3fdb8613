// Package source provides the tool discovery backends consumed by the
// registry: a manifest of local subprocess tools and stdio MCP servers.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hyperifyio/agentflow/internal/registry"
)

// ToolSpec describes one subprocess tool in a manifest file.
type ToolSpec struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"` // JSON Schema for params
	Command     []string        `json:"command"`          // argv: program and args
	TimeoutSec  int             `json:"timeoutSec,omitempty"`
	// EnvPassthrough is an allowlist of environment variable names passed
	// through to the tool process, normalized to [A-Z_][A-Z0-9_]*.
	EnvPassthrough []string `json:"envPassthrough,omitempty"`
}

type manifestDoc struct {
	Tools []ToolSpec `json:"tools"`
}

// Manifest is a registry.Source backed by a tools.json file. Tools are
// invoked as subprocesses with JSON on stdin and JSON on stdout. A file
// watcher marks the source dirty on writes so the registry re-discovers on
// the next resolve without polling.
type Manifest struct {
	name           string
	path           string
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu    sync.RWMutex
	specs map[string]ToolSpec

	dirty   atomic.Bool
	watcher *fsnotify.Watcher
}

var _ registry.Source = (*Manifest)(nil)
var _ registry.Invalidator = (*Manifest)(nil)

// NewManifest builds a manifest source named name over the manifest file at
// path. defaultTimeout bounds tool invocations that carry no timeoutSec.
func NewManifest(name, path string, defaultTimeout time.Duration, logger *slog.Logger) *Manifest {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manifest{
		name:           name,
		path:           path,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Name implements registry.Source.
func (m *Manifest) Name() string { return m.name }

// Dirty implements registry.Invalidator. It reports whether the manifest
// file changed since the last successful Discover.
func (m *Manifest) Dirty() bool { return m.dirty.Load() }

// Watch starts an fsnotify watcher on the manifest file. Events set the
// dirty flag; discovery clears it. Close stops the watcher.
func (m *Manifest) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops file watches.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("manifest watcher add: %w", err)
	}
	m.watcher = w
	base := filepath.Base(m.path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					m.dirty.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("manifest watcher error", "path", m.path, "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher when one was started.
func (m *Manifest) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Discover implements registry.Source by re-reading the manifest file.
func (m *Manifest) Discover(ctx context.Context) ([]registry.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	specs, err := loadManifest(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.specs = specs
	m.mu.Unlock()
	m.dirty.Store(false)

	out := make([]registry.Descriptor, 0, len(specs))
	for _, t := range specs {
		out = append(out, registry.Descriptor{
			Name:        t.Name,
			Version:     t.Version,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return out, nil
}

// Call implements registry.Source by running the tool subprocess.
func (m *Manifest) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	m.mu.RLock()
	spec, ok := m.specs[tool]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", registry.ErrToolNotFound, tool)
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %q: %w", tool, err)
	}
	out, err := runProcTool(ctx, spec, input, m.defaultTimeout, m.logger)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(out, &decoded); err != nil {
		// Tools are required to emit JSON; treat raw text as a string output.
		return strings.TrimRight(string(out), "\n"), nil
	}
	return decoded, nil
}

// loadManifest reads a tools.json file and returns a name->spec map. Relative
// command paths are validated against the manifest directory so tool programs
// cannot escape the tools bin prefix, then resolved to absolute paths so
// invocation does not depend on the process working directory.
func loadManifest(manifestPath string) (map[string]ToolSpec, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	specs := make(map[string]ToolSpec, len(doc.Tools))
	manifestDir := filepath.Dir(manifestPath)
	for i, t := range doc.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool[%d]: name is required", i)
		}
		if _, dup := specs[t.Name]; dup {
			return nil, fmt.Errorf("tool[%d] %q: duplicate name", i, t.Name)
		}
		if len(t.Command) < 1 {
			return nil, fmt.Errorf("tool[%d] %q: command must have at least program name", i, t.Name)
		}
		if len(t.EnvPassthrough) > 0 {
			norm, err := normalizeEnvAllowlist(t.EnvPassthrough)
			if err != nil {
				return nil, fmt.Errorf("tool[%d] %q: %v", i, t.Name, err)
			}
			t.EnvPassthrough = norm
		}
		resolved, err := resolveCommandPath(t.Command[0], manifestDir)
		if err != nil {
			return nil, fmt.Errorf("tool[%d] %q: %v", i, t.Name, err)
		}
		t.Command[0] = resolved
		specs[t.Name] = t
	}
	return specs, nil
}

// resolveCommandPath hardens command[0]. Absolute paths pass through;
// relative paths must stay under the canonical ./tools/bin prefix and are
// resolved against the manifest directory.
func resolveCommandPath(cmd0, manifestDir string) (string, error) {
	if filepath.IsAbs(cmd0) {
		return cmd0, nil
	}
	raw := strings.ReplaceAll(cmd0, "\\", "/")
	norm := filepath.ToSlash(path.Clean(raw))
	if strings.HasPrefix(norm, "tools/") || norm == "tools" {
		norm = "./" + norm
	}
	if strings.HasPrefix(norm, "../") || norm == ".." {
		return "", fmt.Errorf("command[0] must not escape the manifest directory (got %q)", cmd0)
	}
	if !strings.HasPrefix(norm, "./tools/bin/") {
		return "", fmt.Errorf("relative command[0] must start with ./tools/bin/ (got %q)", cmd0)
	}
	trimmed := strings.TrimPrefix(norm, "./")
	resolved := filepath.Join(manifestDir, filepath.FromSlash(trimmed))
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve command[0]: %v", err)
	}
	return abs, nil
}

// normalizeEnvAllowlist validates and de-duplicates environment variable
// names, preserving first-occurrence order.
func normalizeEnvAllowlist(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for idx, k := range keys {
		trimmed := strings.TrimSpace(k)
		if trimmed == "" {
			return nil, fmt.Errorf("envPassthrough[%d]: empty name", idx)
		}
		upper := strings.ToUpper(trimmed)
		if !isValidEnvName(upper) {
			return nil, fmt.Errorf("envPassthrough[%d]: invalid name %q (must match [A-Z_][A-Z0-9_]*)", idx, k)
		}
		if _, ok := seen[upper]; ok {
			continue
		}
		seen[upper] = struct{}{}
		out = append(out, upper)
	}
	return out, nil
}

func isValidEnvName(s string) bool {
	if len(s) == 0 {
		return false
	}
	c := s[0]
	if !((c >= 'A' && c <= 'Z') || c == '_') {
		return false
	}
	for i := 1; i < len(s); i++ {
		c = s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}
