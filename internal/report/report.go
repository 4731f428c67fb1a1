// Package report accumulates the results of a run into an engine.Report.
package report

import (
	"sort"
	"sync"
	"time"

	"github.com/vulnverified/hstsbypass/internal/engine"
)

// Reporter is safe for concurrent use by the browser workers and the
// session goroutine.
type Reporter struct {
	mu     sync.Mutex
	report engine.Report
}

// New starts a report for target.
func New(target, platform string) *Reporter {
	return &Reporter{
		report: engine.Report{
			Target:         target,
			Platform:       platform,
			StartedAt:      time.Now(),
			BrowserResults: make(map[string]engine.BrowserClearResult),
		},
	}
}

// SetSessionID records the interception session, if one ran.
func (r *Reporter) SetSessionID(id string) {
	r.mu.Lock()
	r.report.SessionID = id
	r.mu.Unlock()
}

// SetInitialStatus records the HSTS header observed before any change.
func (r *Reporter) SetInitialStatus(s engine.HSTSStatus) {
	r.mu.Lock()
	r.report.InitialStatus = &s
	r.mu.Unlock()
}

// AddBrowserResult records one browser outcome, replacing an earlier one for
// the same browser.
func (r *Reporter) AddBrowserResult(res engine.BrowserClearResult) {
	r.mu.Lock()
	r.report.BrowserResults[res.Browser] = res
	r.mu.Unlock()
}

// AddBrowserResults records a batch from browser.Run.
func (r *Reporter) AddBrowserResults(results map[string]engine.BrowserClearResult) {
	r.mu.Lock()
	for name, res := range results {
		r.report.BrowserResults[name] = res
	}
	r.mu.Unlock()
}

// AddBypassResults appends results in the order given.
func (r *Reporter) AddBypassResults(results ...engine.BypassResult) {
	r.mu.Lock()
	r.report.BypassResults = append(r.report.BypassResults, results...)
	r.mu.Unlock()
}

// Warn records a non-fatal warning.
func (r *Reporter) Warn(msg string) {
	r.mu.Lock()
	r.report.Warnings = append(r.report.Warnings, msg)
	r.mu.Unlock()
}

// Report returns a deep copy stamped with the completion time and summary.
// It may be called more than once, for example to persist partial results.
func (r *Reporter) Report() *engine.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.report
	out.CompletedAt = time.Now()
	out.DurationSecs = out.CompletedAt.Sub(out.StartedAt).Seconds()

	if r.report.InitialStatus != nil {
		s := *r.report.InitialStatus
		out.InitialStatus = &s
	}

	out.BrowserResults = make(map[string]engine.BrowserClearResult, len(r.report.BrowserResults))
	for name, res := range r.report.BrowserResults {
		res.Profiles = append([]engine.ProfileOutcome(nil), res.Profiles...)
		out.BrowserResults[name] = res
	}
	out.BypassResults = append([]engine.BypassResult{}, r.report.BypassResults...)
	out.Warnings = append([]string(nil), r.report.Warnings...)
	out.Summary = buildSummary(&out)
	return &out
}

// BrowserNames returns the browsers in the report, sorted.
func BrowserNames(rep *engine.Report) []string {
	names := make([]string, 0, len(rep.BrowserResults))
	for name := range rep.BrowserResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildSummary(rep *engine.Report) engine.Summary {
	var s engine.Summary
	if rep.InitialStatus != nil {
		s.HSTSEnabled = rep.InitialStatus.Enabled
	}
	for _, res := range rep.BrowserResults {
		if res.Success {
			s.BrowsersCleared++
		} else {
			s.BrowsersFailed++
		}
	}
	for _, b := range rep.BypassResults {
		if b.Success {
			s.BypassSucceeded++
		} else {
			s.BypassFailed++
		}
	}
	return s
}
