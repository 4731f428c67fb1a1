package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
	"go.uber.org/multierr"
)

const totalStages = 4

// active is the one session per process allowed past Idle.
var active atomic.Pointer[Session]

// Deps holds the injectable collaborators of a Session.
type Deps struct {
	Net        NetworkManager
	Supervisor ProcessSupervisor
	Checker    PreconditionChecker
	Progress   ProgressReporter
	Log        *logrus.Entry
}

// Session is one interception run. Its lifecycle is
// Idle → Configuring → Running → TearingDown → Closed; the network snapshot
// taken while configuring is restored before the session reaches Closed.
type Session struct {
	ID string

	cfg  Config
	deps Deps
	log  *logrus.Entry

	mu        sync.Mutex
	state     State
	network   *netcfg.NetworkConfig
	handles   []*supervisor.Handle
	methods   map[*supervisor.Handle]string
	results   []BypassResult
	artifacts []string
	startedAt time.Time
	endedAt   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSession creates an Idle session.
func NewSession(cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	if deps.Progress == nil {
		deps.Progress = nopProgress{}
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &Session{
		ID:      id,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.WithField("session", id[:8]),
		methods: make(map[*supervisor.Handle]string),
		stopCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Network returns the network snapshot, or nil before one was taken.
func (s *Session) Network() *netcfg.NetworkConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}

// Results returns one BypassResult per configured technique.
func (s *Session) Results() []BypassResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BypassResult(nil), s.results...)
}

// Handles returns the tools launched by this session in launch order.
func (s *Session) Handles() []*supervisor.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*supervisor.Handle(nil), s.handles...)
}

// Start checks preconditions, then configures the network and launches the
// tools. On any failure the session is torn down before Start returns.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("start from %s: %w", s.state, ErrInvalidState)
	}
	if !active.CompareAndSwap(nil, s) {
		return ErrSessionAlreadyActive
	}

	s.state = StateConfiguring
	s.startedAt = time.Now()
	p := s.deps.Progress

	p.Stage(1, totalStages, "Checking preconditions...")
	if err := s.checkPreconditions(); err != nil {
		s.state = StateClosed
		s.endedAt = time.Now()
		active.CompareAndSwap(s, nil)
		return err
	}

	if err := s.configure(ctx); err != nil {
		s.log.WithError(err).Error("session setup failed, tearing down")
		if terr := s.teardownLocked(ctx); terr != nil {
			return multierr.Append(err, terr)
		}
		return err
	}

	s.state = StateRunning
	s.deps.Supervisor.Watch(true)
	s.log.WithField("tools", len(s.handles)).Info("session running")
	return nil
}

func (s *Session) checkPreconditions() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.deps.Checker != nil {
		if err := s.deps.Checker.Check(s.cfg); err != nil {
			return err
		}
	}
	if s.deps.Net == nil || s.deps.Supervisor == nil {
		return &PreconditionError{Reasons: []string{"session has no network manager or supervisor"}}
	}
	if s.cfg.WorkDir == "" {
		s.cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(s.cfg.WorkDir, 0o700); err != nil {
		return &PreconditionError{Reasons: []string{fmt.Sprintf("work dir: %v", err)}}
	}
	return nil
}

// configure runs with s.mu held. Cancellation is checked between steps so an
// interrupt never leaves a half-applied step behind.
func (s *Session) configure(ctx context.Context) error {
	p := s.deps.Progress
	net := s.deps.Net

	for _, method := range s.plannedMethods() {
		s.addResult(method, false, "not launched")
	}

	p.Stage(2, totalStages, "Configuring network...")
	snap, err := net.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot network state: %w", err)
	}
	s.network = snap

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := net.EnableIPForwarding(ctx, snap); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}

	if redirects := s.cfg.redirects(); len(redirects) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := net.ApplyRedirectRules(ctx, snap, s.cfg.Interface, redirects); err != nil {
			return fmt.Errorf("apply redirect rules: %w", err)
		}
		p.Detail(fmt.Sprintf("Redirecting %d port(s) on %s", len(redirects), s.cfg.Interface))
	}

	p.Stage(3, totalStages, "Starting spoofing tools...")
	var steps []launchStep
	if s.cfg.Mode.ARP {
		steps = append(steps, s.arpSteps()...)
	}
	if s.cfg.Mode.DNS {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, err := s.dnsStep()
		if err != nil {
			s.addResult("dns_spoof", false, err.Error())
			return err
		}
		steps = append(steps, step)
	}
	if err := s.launch(ctx, steps); err != nil {
		return err
	}

	if step, ok := s.interceptStep(); ok {
		p.Stage(4, totalStages, fmt.Sprintf("Starting %s...", step.spec.Name))
		if err := s.launch(ctx, []launchStep{step}); err != nil {
			return err
		}
	} else {
		p.Stage(4, totalStages, "No interception tool requested")
	}
	return nil
}

func (s *Session) launch(ctx context.Context, steps []launchStep) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := s.deps.Supervisor.Launch(ctx, step.spec)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.addResult(step.method, false, err.Error())
			}
			return err
		}
		s.handles = append(s.handles, h)
		s.methods[h] = step.method
		s.addResult(step.method, true, fmt.Sprintf("%s running (pid %d)", step.spec.Name, h.PID))
		s.deps.Progress.Detail(fmt.Sprintf("%s started (pid %d)", step.spec.Name, h.PID))
	}
	return nil
}

// addResult must be called with s.mu held.
func (s *Session) addResult(method string, ok bool, msg string) {
	for i := range s.results {
		if s.results[i].Method == method {
			s.results[i] = BypassResult{Method: method, Success: ok, Message: msg, Timestamp: time.Now()}
			return
		}
	}
	s.results = append(s.results, BypassResult{Method: method, Success: ok, Message: msg, Timestamp: time.Now()})
}

// Wait monitors a running session until it is stopped, a tool dies or ctx is
// cancelled, then tears it down. A tool failure is returned together with
// any teardown error; a stop or cancellation returns only the teardown error.
func (s *Session) Wait(ctx context.Context) error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("wait in %s: %w", st, ErrInvalidState)
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session interrupted")
			return s.Close(ctx)
		case <-s.stopCh:
			return s.Close(ctx)
		case ev := <-s.deps.Supervisor.Events():
			if ev.Handle == nil || !s.owns(ev.Handle) {
				continue
			}
			return s.fail(ctx, ev.Handle, ev.Err)
		case <-ticker.C:
			if h := s.deadHandle(); h != nil {
				err := &supervisor.ToolFailureError{
					Tool:     h.Name(),
					ExitCode: h.ExitCode(),
					Stderr:   h.OutputTail(),
					Err:      supervisor.ErrUnexpectedExit,
				}
				return s.fail(ctx, h, err)
			}
		}
	}
}

// Run starts the session and waits for it to finish.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait(ctx)
}

func (s *Session) fail(ctx context.Context, h *supervisor.Handle, cause error) error {
	s.mu.Lock()
	s.addResult(s.methods[h], false, cause.Error())
	s.mu.Unlock()

	s.deps.Progress.Warn(fmt.Sprintf("%s exited, tearing down", h.Name()))
	return multierr.Append(cause, s.Close(ctx))
}

func (s *Session) owns(h *supervisor.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.methods[h]
	return ok
}

func (s *Session) deadHandle() *supervisor.Handle {
	for _, h := range s.Handles() {
		if !s.deps.Supervisor.IsAlive(h) {
			return h
		}
	}
	return nil
}

// Stop asks a running session to tear down. It does not block.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Close tears the session down: tools are terminated in reverse launch order,
// the network snapshot is restored and verified, and session artifacts are
// removed. It is idempotent. If restoration fails the session stays in
// TearingDown and a later Close retries the remaining steps.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked(ctx)
}

func (s *Session) teardownLocked(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return nil
	case StateIdle:
		s.state = StateClosed
		return nil
	}

	s.state = StateTearingDown
	ctx = context.WithoutCancel(ctx)
	log := s.log

	var errs error
	if s.deps.Supervisor != nil {
		s.deps.Supervisor.Watch(false)
		if err := s.deps.Supervisor.TerminateAll(s.cfg.GracePeriod); err != nil {
			log.WithError(err).Error("tools did not terminate")
			errs = multierr.Append(errs, err)
		}
	}

	for _, path := range s.artifacts {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", path).Warn("could not remove session artifact")
		}
	}

	if s.network != nil {
		if err := s.deps.Net.Restore(ctx, s.network); err != nil {
			return multierr.Append(errs, err)
		}
		if err := s.deps.Net.Verify(ctx, s.network); err != nil {
			return multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return errs
	}

	s.artifacts = nil
	s.state = StateClosed
	s.endedAt = time.Now()
	active.CompareAndSwap(s, nil)
	log.WithField("duration", s.endedAt.Sub(s.startedAt).Round(time.Millisecond)).Info("session closed")
	return nil
}

type nopProgress struct{}

func (nopProgress) Stage(int, int, string) {}
func (nopProgress) Detail(string)          {}
func (nopProgress) Warn(string)            {}
