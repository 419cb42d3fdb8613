// Package testutil builds tool binaries for integration tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// BuildTool compiles tools/cmd/<name> into a test-scoped temp directory and
// returns the absolute path to the produced executable.
func BuildTool(t *testing.T, name string) string {
	t.Helper()

	root, err := moduleRoot()
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}
	src := filepath.Join(root, "tools", "cmd", name)
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("tool sources not found: %s", src)
	}

	binName := name
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	out := filepath.Join(t.TempDir(), binName)

	cmd := exec.Command("go", "build", "-o", out, "./"+filepath.ToSlash(filepath.Join("tools", "cmd", name)))
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", name, err, output)
	}
	return out
}

// moduleRoot walks upward from the working directory to the directory
// containing go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found upward from working directory")
		}
		dir = parent
	}
}
