package trace

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// acquireTraceLock takes a coarse advisory lock on dir by creating
// "trace.lock" with O_EXCL. A held lock is retried for up to ~2s; on timeout
// the caller proceeds without the lock rather than failing the save.
func acquireTraceLock(dir string) (func(), error) {
	lockPath := filepath.Join(dir, "trace.lock")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return func() {}, err
	}

	tryOnce := func() (bool, error) {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return false, nil
			}
			return false, err
		}
		if cerr := f.Close(); cerr != nil {
			_ = os.Remove(lockPath)
			return false, cerr
		}
		return true, nil
	}
	unlock := func() {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			_ = err
		}
	}

	ok, err := tryOnce()
	if err != nil {
		return func() {}, err
	}
	if ok {
		return unlock, nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sleep := 50 + int(time.Now().UnixNano()%100)
		time.Sleep(time.Duration(sleep) * time.Millisecond)
		ok, err := tryOnce()
		if err != nil {
			return func() {}, err
		}
		if ok {
			return unlock, nil
		}
	}
	// Lock wait budget exhausted; proceed unlocked.
	return func() {}, nil
}

// ensureSecureTraceDir rejects world-writable or foreign-owned directories
// on Unix. Windows ACLs are not modeled; the check is skipped there.
func ensureSecureTraceDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("empty trace dir")
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return errors.New("trace dir is not a directory")
	}
	if info.Mode().Perm()&0o002 != 0 {
		return errors.New("trace dir is world-writable")
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Uid != uint32(os.Getuid()) {
			return errors.New("trace dir is not owned by current user")
		}
	}
	return nil
}
