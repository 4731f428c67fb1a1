// Package output handles all hstsbypass CLI output formatting.
package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Progress writes stage progress updates to stderr. Warnings are mirrored to
// the structured log when one is attached.
type Progress struct {
	w       io.Writer
	verbose bool
	silent  bool
	log     *logrus.Entry
	mu      sync.Mutex
	start   time.Time
}

// NewProgress creates a progress reporter.
func NewProgress(w io.Writer, verbose, silent bool) *Progress {
	return &Progress{
		w:       w,
		verbose: verbose,
		silent:  silent,
		start:   time.Now(),
	}
}

// WithLog attaches a log entry that receives every stage and warning.
func (p *Progress) WithLog(l *logrus.Entry) *Progress {
	p.log = l
	return p
}

// Stage prints a stage header like "[1/4] Snapshotting network state..."
func (p *Progress) Stage(num, total int, msg string) {
	if p.log != nil {
		p.log.WithField("stage", num).Debug(msg)
	}
	if p.silent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%d/%d] %s\n", num, total, msg)
}

// Detail prints verbose detail (only in verbose mode).
func (p *Progress) Detail(msg string) {
	if p.log != nil {
		p.log.Debug(msg)
	}
	if !p.verbose || p.silent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "  %s\n", msg)
}

// Warn prints a warning to stderr.
func (p *Progress) Warn(msg string) {
	if p.log != nil {
		p.log.Warn(msg)
	}
	if p.silent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "  ! %s\n", msg)
}

// Complete prints the final duration.
func (p *Progress) Complete() {
	if p.silent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.start)
	fmt.Fprintf(p.w, "\nCompleted in %.1fs\n", elapsed.Seconds())
}
