// Package sandbox executes single workflow steps inside an isolation
// boundary. Inline code runs in an embedded JavaScript interpreter that
// exposes no ambient filesystem, process, or network capability; tool calls
// go through a registry-resolved bridge. Denied operations surface as
// classified violations, never as faults in the caller.
package sandbox

import (
	"bytes"
	"errors"
	"time"
)

// ErrOutputLimit is returned when a bounded writer exceeds its configured cap.
var ErrOutputLimit = errors.New("output limit exceeded")

// Limits bounds one sandboxed execution.
type Limits struct {
	// Wall is the wall-clock budget. Zero means DefaultWall.
	Wall time.Duration
	// OutputKB caps emitted diagnostic output. Zero means 64 KiB.
	OutputKB int
	// MaxCallStack caps interpreter call depth, the supported stand-in for
	// a memory ceiling. Zero means 2048 frames.
	MaxCallStack int
	// AllowedModules is the require() allow-list for inline code. Host OS,
	// process-spawning, and raw file-handle modules are never grantable.
	AllowedModules []string
	// WorkDir, when non-empty, grants scoped file access to inline code.
	// Empty means every file operation is a violation.
	WorkDir string
}

// DefaultWall is the wall-clock budget applied when Limits.Wall is zero.
const DefaultWall = time.Second

func (l Limits) wall() time.Duration {
	if l.Wall <= 0 {
		return DefaultWall
	}
	return l.Wall
}

func (l Limits) maxCallStack() int {
	if l.MaxCallStack <= 0 {
		return 2048
	}
	return l.MaxCallStack
}

// boundedBuffer caps total bytes written; excess is truncated and reported
// via ErrOutputLimit. It never grows beyond the configured capacity.
type boundedBuffer struct {
	buf       bytes.Buffer
	capBytes  int
	truncated bool
}

func newBoundedBuffer(maxKB int) *boundedBuffer {
	if maxKB <= 0 {
		maxKB = 64
	}
	return &boundedBuffer{capBytes: maxKB * 1024}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.capBytes - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return 0, ErrOutputLimit
	}
	if len(p) > remaining {
		_, _ = b.buf.Write(p[:remaining])
		b.truncated = true
		return remaining, ErrOutputLimit
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string  { return b.buf.String() }
func (b *boundedBuffer) Truncated() bool { return b.truncated }
