// Package supervisor launches and watches the external interception tools
// (arpspoof, dnsspoof, sslstrip, mitmdump). Each tool runs in its own process
// group so termination also reaches any children it forks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	// DefaultGrace is how long a tool gets between SIGTERM and SIGKILL.
	DefaultGrace = 3 * time.Second

	killWait  = 2 * time.Second
	tailLines = 40
)

var (
	// ErrToolFailure marks any failure of a supervised tool.
	ErrToolFailure = errors.New("tool failure")

	ErrToolNotFound        = errors.New("executable not found")
	ErrExitedDuringStartup = errors.New("exited during startup window")
	ErrUnexpectedExit      = errors.New("exited unexpectedly")
)

// ToolFailureError describes a tool that could not be started or died.
type ToolFailureError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolFailureError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Tool, e.Err)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *ToolFailureError) Unwrap() error { return e.Err }

func (e *ToolFailureError) Is(target error) bool { return target == ErrToolFailure }

// ToolSpec describes one tool invocation.
type ToolSpec struct {
	Name string
	// Path is the executable; Name is looked up on PATH when empty.
	Path string
	Args []string
	Dir  string
	Env  []string
	// LogFile receives the tool's combined output in addition to the
	// in-memory tail.
	LogFile string
	// AlwaysRunning tools are expected to live for the whole session; their
	// exit is reported on Events.
	AlwaysRunning bool
	// StartupWait is the window in which an early exit counts as a launch
	// failure.
	StartupWait time.Duration
}

// Event reports the unexpected exit of an always-running tool.
type Event struct {
	Handle   *Handle
	ExitCode int
	Err      error
}

// Supervisor owns every tool process of a session.
type Supervisor struct {
	log    *logrus.Entry
	pidDir string
	events chan Event

	mu       sync.Mutex
	handles  []*Handle
	watching bool
	seq      int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option { return func(s *Supervisor) { s.log = l } }

// WithPIDDir records a pid file per running tool in dir.
func WithPIDDir(dir string) Option { return func(s *Supervisor) { s.pidDir = dir } }

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:    logrus.NewEntry(logrus.StandardLogger()),
		events: make(chan Event, 16),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Launch starts spec and waits out its startup window. A tool that exits
// inside the window is reported as a *ToolFailureError and is not registered.
func (s *Supervisor) Launch(ctx context.Context, spec ToolSpec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin := spec.Path
	if bin == "" {
		bin = spec.Name
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, &ToolFailureError{Tool: spec.Name, ExitCode: -1, Err: fmt.Errorf("%w: %s", ErrToolNotFound, bin)}
	}

	tail := newTailBuffer(tailLines)
	var out io.Writer = tail
	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, &ToolFailureError{Tool: spec.Name, ExitCode: -1, Err: fmt.Errorf("open log: %w", err)}
		}
		logFile = f
		out = io.MultiWriter(tail, f)
	}

	// Lifetime is managed by Terminate, not by ctx.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, &ToolFailureError{Tool: spec.Name, ExitCode: -1, Err: err}
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Spec:      spec,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		exitCode:  -1,
		output:    tail,
		logFile:   logFile,
	}
	s.register(h)
	go s.wait(h)

	s.log.WithFields(logrus.Fields{"tool": spec.Name, "pid": h.PID, "args": strings.Join(spec.Args, " ")}).Info("tool started")

	if spec.StartupWait <= 0 {
		return h, nil
	}

	timer := time.NewTimer(spec.StartupWait)
	defer timer.Stop()

	select {
	case <-h.done:
		s.deregister(h)
		return nil, &ToolFailureError{Tool: spec.Name, ExitCode: h.ExitCode(), Stderr: h.OutputTail(), Err: ErrExitedDuringStartup}
	case <-ctx.Done():
		_ = s.Terminate(h, DefaultGrace)
		return nil, ctx.Err()
	case <-timer.C:
		return h, nil
	}
}

// IsAlive reports whether h's process is still running.
func (s *Supervisor) IsAlive(h *Handle) bool {
	return h != nil && h.Alive()
}

// Terminate stops h with SIGTERM and escalates to SIGKILL after grace. It is
// safe to call more than once and from several goroutines.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) error {
	h.termOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()
		h.termErr = s.stop(h, grace)
		s.deregister(h)
	})
	return h.termErr
}

func (s *Supervisor) stop(h *Handle, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	log := s.log.WithFields(logrus.Fields{"tool": h.Spec.Name, "pid": h.PID})
	if err := terminateGroup(h.cmd); err != nil {
		log.WithError(err).Debug("SIGTERM failed")
	}

	select {
	case <-h.done:
		log.Debug("tool exited after SIGTERM")
		return nil
	case <-time.After(grace):
	}

	log.Warn("tool ignored SIGTERM, killing")
	if err := killGroup(h.cmd); err != nil {
		log.WithError(err).Debug("SIGKILL failed")
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d) still running after SIGKILL", h.Spec.Name, h.PID)
	}
}

// TerminateAll stops every registered tool in reverse launch order.
func (s *Supervisor) TerminateAll(grace time.Duration) error {
	handles := s.Handles()
	var errs error
	for i := len(handles) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, s.Terminate(handles[i], grace))
	}
	return errs
}

// Handles returns the registered tools in launch order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Events delivers unexpected exits of always-running tools while watching.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Watch enables or disables exit reporting on Events.
func (s *Supervisor) Watch(enabled bool) {
	s.mu.Lock()
	s.watching = enabled
	s.mu.Unlock()
}

func (s *Supervisor) register(h *Handle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	if s.pidDir != "" {
		if err := os.MkdirAll(s.pidDir, 0o700); err == nil {
			if err := os.WriteFile(h.pidFile(s.pidDir), []byte(strconv.Itoa(h.PID)), 0o600); err != nil {
				s.log.WithError(err).Debug("could not write pid file")
			}
		}
	}
}

func (s *Supervisor) deregister(h *Handle) {
	s.mu.Lock()
	for i, x := range s.handles {
		if x == h {
			s.handles = append(s.handles[:i:i], s.handles[i+1:]...)
			break
		}
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	h.mu.Lock()
	h.termSeq = seq
	h.terminatedAt = time.Now()
	h.mu.Unlock()

	if s.pidDir != "" {
		os.Remove(h.pidFile(s.pidDir))
	}
}

func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exitCode = code
	h.waitErr = err
	stopping := h.stopping
	h.mu.Unlock()

	if h.logFile != nil {
		h.logFile.Close()
	}
	close(h.done)

	if stopping || !h.Spec.AlwaysRunning {
		return
	}

	s.mu.Lock()
	watching := s.watching
	s.mu.Unlock()
	if !watching {
		return
	}

	s.log.WithFields(logrus.Fields{"tool": h.Spec.Name, "pid": h.PID, "exit": code}).Error("tool exited unexpectedly")
	ev := Event{
		Handle:   h,
		ExitCode: code,
		Err:      &ToolFailureError{Tool: h.Spec.Name, ExitCode: code, Stderr: h.OutputTail(), Err: ErrUnexpectedExit},
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping tool exit event")
	}
}

// ReapOrphans terminates tools recorded in dir by an earlier run that never
// cleaned up, and removes their pid files.
func ReapOrphans(dir string, grace time.Duration) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	if err != nil {
		return nil, err
	}

	var (
		reaped []string
		errs   error
	)
	for _, f := range matches {
		b, err := os.ReadFile(f)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || pid <= 0 {
			os.Remove(f)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(f), ".pid")
		if processExists(pid) {
			if err := reapPID(pid, grace); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			reaped = append(reaped, fmt.Sprintf("%s (pid %d)", name, pid))
		}
		os.Remove(f)
	}
	return reaped, errs
}

func reapPID(pid int, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	_ = signalPID(pid, false)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = signalPID(pid, true)
	time.Sleep(200 * time.Millisecond)
	if processExists(pid) {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
