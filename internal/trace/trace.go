// Package trace persists run reports to disk so finished runs can be
// inspected later and replays can be checked against an earlier recording.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperifyio/agentflow/internal/engine"
)

// ErrTraceInvalid is returned when a persisted trace cannot be loaded safely.
var ErrTraceInvalid = errors.New("trace invalid")

// record is the on-disk envelope. The digest covers the raw report bytes
// exactly as stored so corruption is detected on load.
type record struct {
	Version string          `json:"version"`
	SHA256  string          `json:"sha256"`
	Report  json.RawMessage `json:"report"`
}

// Store reads and writes run traces under a single directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on first
// save with 0700 permissions.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func tracePath(dir, runID string) (string, error) {
	if runID == "" || filepath.Base(runID) != runID || strings.Contains(runID, "..") {
		return "", fmt.Errorf("unsafe run id %q", runID)
	}
	return filepath.Join(dir, "run-"+runID+".json"), nil
}

// Save persists the report keyed by its run id and returns the file path.
// The write is atomic: a temp file is written, fsynced, and renamed into
// place while holding the directory's advisory lock.
func (s *Store) Save(report *engine.Report) (string, error) {
	if report == nil {
		return "", errors.New("nil report")
	}
	if err := ensureSecureTraceDir(s.dir); err != nil {
		return "", err
	}
	path, err := tracePath(s.dir, report.RunID)
	if err != nil {
		return "", err
	}

	if unlock, lockErr := acquireTraceLock(s.dir); lockErr == nil && unlock != nil {
		defer unlock()
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	rec := record{Version: "1", SHA256: hex.EncodeToString(sum[:]), Report: body}
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.dir, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads the trace for runID, verifying the stored digest before
// decoding. Corrupt files are quarantined and reported as ErrTraceInvalid.
func (s *Store) Load(runID string) (*engine.Report, error) {
	if err := ensureSecureTraceDir(s.dir); err != nil {
		return nil, ErrTraceInvalid
	}
	path, err := tracePath(s.dir, runID)
	if err != nil {
		return nil, ErrTraceInvalid
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrTraceInvalid
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		quarantineFile(path)
		return nil, ErrTraceInvalid
	}
	if rec.Version != "1" {
		quarantineFile(path)
		return nil, ErrTraceInvalid
	}
	sum := sha256.Sum256(rec.Report)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), rec.SHA256) {
		quarantineFile(path)
		return nil, ErrTraceInvalid
	}
	var report engine.Report
	if err := json.Unmarshal(rec.Report, &report); err != nil {
		quarantineFile(path)
		return nil, ErrTraceInvalid
	}
	return &report, nil
}

// List returns the run ids with a trace on disk, sorted ascending.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "run-"), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// quarantineFile renames a corrupt file to a ".quarantined" sibling so the
// next save does not silently overwrite evidence. Best-effort.
func quarantineFile(path string) {
	base := filepath.Base(path)
	if base == "." || base == ".." || base == "" {
		return
	}
	dir := filepath.Dir(path)
	cand := filepath.Join(dir, base+".quarantined")
	if _, err := os.Stat(cand); err == nil {
		for i := 1; i < 100; i++ {
			next := filepath.Join(dir, fmt.Sprintf("%s.quarantined.%d", base, i))
			if _, err := os.Stat(next); os.IsNotExist(err) {
				cand = next
				break
			}
		}
	}
	_ = os.Rename(path, cand)
}

// writeFileAtomic writes data to a temp file next to dstPath with mode 0600,
// fsyncs it, renames it into place, and fsyncs the directory.
func writeFileAtomic(dir string, dstPath string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
