package source

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir string, doc string) string {
	t.Helper()
	p := filepath.Join(dir, "tools.json")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return p
}

func TestLoadManifest_RejectsPathEscape(t *testing.T) {
	cases := []string{
		`{"tools":[{"name":"evil","command":["../bin/evil"]}]}`,
		`{"tools":[{"name":"evil","command":["./tools/bin/../../evil"]}]}`,
		`{"tools":[{"name":"evil","command":["bin/evil"]}]}`,
	}
	dir := t.TempDir()
	for _, doc := range cases {
		p := writeManifest(t, dir, doc)
		if _, err := loadManifest(p); err == nil {
			t.Fatalf("expected rejection for %s", doc)
		}
	}
}

func TestLoadManifest_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[
		{"name":"a","command":["/bin/true"]},
		{"name":"a","command":["/bin/true"]}
	]}`)
	if _, err := loadManifest(p); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoadManifest_ResolvesRelativeCommand(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[{"name":"a","command":["./tools/bin/a"]}]}`)
	specs, err := loadManifest(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(dir, "tools", "bin", "a")
	if got := specs["a"].Command[0]; got != want {
		t.Fatalf("resolved command: got %q want %q", got, want)
	}
}

func TestLoadManifest_EnvAllowlist(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[{"name":"a","command":["/bin/true"],"envPassthrough":[" api_key ","API_KEY","HTTP_PROXY"]}]}`)
	specs, err := loadManifest(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := specs["a"].EnvPassthrough
	if len(got) != 2 || got[0] != "API_KEY" || got[1] != "HTTP_PROXY" {
		t.Fatalf("allowlist: got %v", got)
	}

	p = writeManifest(t, dir, `{"tools":[{"name":"a","command":["/bin/true"],"envPassthrough":["1BAD"]}]}`)
	if _, err := loadManifest(p); err == nil {
		t.Fatalf("expected invalid env name error")
	}
}

func TestManifest_DiscoverAndCall(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("needs /bin/cat")
	}
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[{
		"name":"echo_json",
		"description":"echoes stdin json",
		"command":["/bin/cat"],
		"timeoutSec":5
	}]}`)
	m := NewManifest("local", p, time.Second, nil)

	descs, err := m.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(descs) != 1 || descs[0].Name != "echo_json" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}

	out, err := m.Call(context.Background(), "echo_json", map[string]any{"x": float64(1)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	b, _ := json.Marshal(out)
	if string(b) != `{"x":1}` {
		t.Fatalf("call output: %s", b)
	}
}

func TestManifest_CallUnknownTool(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[{"name":"a","command":["/bin/true"]}]}`)
	m := NewManifest("local", p, time.Second, nil)
	if _, err := m.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := m.Call(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestManifest_WatcherMarksDirty(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"tools":[{"name":"a","command":["/bin/true"]}]}`)
	m := NewManifest("local", p, time.Second, nil)
	if err := m.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	if _, err := m.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if m.Dirty() {
		t.Fatalf("fresh discover should clear dirty")
	}

	writeManifest(t, dir, `{"tools":[{"name":"b","command":["/bin/true"]}]}`)

	deadline := time.Now().Add(2 * time.Second)
	for !m.Dirty() {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never marked source dirty")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
