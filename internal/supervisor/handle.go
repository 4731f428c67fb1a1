package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Handle is a running (or finished) tool process.
type Handle struct {
	ID        string
	Spec      ToolSpec
	PID       int
	StartedAt time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	output   *tailBuffer
	logFile  *os.File
	termOnce sync.Once
	termErr  error

	mu           sync.Mutex
	exitCode     int
	waitErr      error
	stopping     bool
	termSeq      int
	terminatedAt time.Time
}

// Name returns the tool name.
func (h *Handle) Name() string { return h.Spec.Name }

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status, or -1 while running or when killed by a
// signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// OutputTail returns the last lines the tool wrote.
func (h *Handle) OutputTail() string {
	return h.output.String()
}

// TerminationSeq is the position of this handle in the supervisor's
// termination order, or 0 if it was never terminated.
func (h *Handle) TerminationSeq() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.termSeq
}

// TerminatedAt returns when the handle was deregistered.
func (h *Handle) TerminatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminatedAt
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s[%d]", h.Spec.Name, h.PID)
}

func (h *Handle) pidFile(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d.pid", h.Spec.Name, h.PID))
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
	part  bytes.Buffer
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.part.Write(p)
	for {
		line, err := t.part.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			t.part.Reset()
			t.part.WriteString(line)
			break
		}
		t.lines = append(t.lines, strings.TrimRight(line, "\r\n"))
		if len(t.lines) > t.n {
			t.lines = t.lines[len(t.lines)-t.n:]
		}
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := strings.Join(t.lines, "\n")
	if t.part.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += t.part.String()
	}
	return out
}
