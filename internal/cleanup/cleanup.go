// Package cleanup owns process-wide teardown: the finalizers registered by a
// run execute exactly once, whether the run ends normally or is interrupted.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Finalizer undoes part of a run. It must be safe to call with a context
// that is already cancelled.
type Finalizer func(ctx context.Context) error

type namedFinalizer struct {
	name string
	fn   Finalizer
}

// Manager runs registered finalizers once, in reverse registration order.
type Manager struct {
	log *logrus.Entry

	mu         sync.Mutex
	finalizers []namedFinalizer

	started atomic.Bool
	done    chan struct{}
	err     error

	sigCh    chan os.Signal
	stopOnce sync.Once
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = New(logrus.NewEntry(logrus.StandardLogger()))
	})
	return defaultManager
}

// New creates a Manager. Most callers want Default.
func New(log *logrus.Entry) *Manager {
	return &Manager{
		log:  log,
		done: make(chan struct{}),
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(log *logrus.Entry) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// Register adds a finalizer. Registrations after Run has started are ignored.
func (m *Manager) Register(name string, fn Finalizer) {
	if m.started.Load() {
		m.logger().WithField("finalizer", name).Warn("cleanup already started, finalizer ignored")
		return
	}
	m.mu.Lock()
	m.finalizers = append(m.finalizers, namedFinalizer{name: name, fn: fn})
	m.mu.Unlock()
}

// Run executes the finalizers exactly once. Concurrent and later callers
// wait for the first run and get its error.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		<-m.done
		return m.err
	}

	m.mu.Lock()
	fins := append([]namedFinalizer(nil), m.finalizers...)
	log := m.log
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs error
	for i := len(fins) - 1; i >= 0; i-- {
		f := fins[i]
		if err := f.fn(ctx); err != nil {
			log.WithError(err).WithField("finalizer", f.name).Error("cleanup step failed")
			errs = multierr.Append(errs, err)
			continue
		}
		log.WithField("finalizer", f.name).Debug("cleanup step done")
	}

	m.err = errs
	close(m.done)
	return errs
}

// Done is closed once Run has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// HandleSignals routes SIGINT and SIGTERM into cancel followed by Run.
// Signals received while cleanup is in progress are logged and otherwise
// ignored, so a second Ctrl+C cannot cut restoration short.
func (m *Manager) HandleSignals(cancel context.CancelFunc) {
	m.mu.Lock()
	if m.sigCh != nil {
		m.mu.Unlock()
		return
	}
	m.sigCh = make(chan os.Signal, 4)
	ch := m.sigCh
	m.mu.Unlock()

	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		first := true
		for sig := range ch {
			if !first {
				m.logger().WithField("signal", sig.String()).Warn("cleanup in progress, signal ignored")
				continue
			}
			first = false
			m.logger().WithField("signal", sig.String()).Info("interrupted, cleaning up")
			cancel()
			go m.Run(context.Background())
		}
	}()
}

// Stop detaches the signal handler.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		ch := m.sigCh
		m.mu.Unlock()
		if ch != nil {
			signal.Stop(ch)
			close(ch)
		}
	})
}

func (m *Manager) logger() *logrus.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log
}
