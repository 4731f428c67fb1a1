// Package engine orchestrates an interception session: it applies network
// state, launches the spoofing and interception tools in order, watches them
// and guarantees the host is restored on every exit path.
package engine

import (
	"context"
	"time"

	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
	"github.com/vulnverified/hstsbypass/pkg/ports"
)

// Report is the top-level output of an hstsbypass run.
type Report struct {
	Target         string                        `json:"target"`
	SessionID      string                        `json:"session_id,omitempty"`
	Platform       string                        `json:"platform"`
	StartedAt      time.Time                     `json:"started_at"`
	CompletedAt    time.Time                     `json:"completed_at"`
	DurationSecs   float64                       `json:"duration_secs"`
	InitialStatus  *HSTSStatus                   `json:"initial_status,omitempty"`
	BrowserResults map[string]BrowserClearResult `json:"browser_results"`
	BypassResults  []BypassResult                `json:"bypass_results"`
	Warnings       []string                      `json:"warnings,omitempty"`
	Summary        Summary                       `json:"summary"`
}

// HSTSStatus is what the target advertised in its Strict-Transport-Security
// header before anything was changed.
type HSTSStatus struct {
	Enabled           bool   `json:"enabled"`
	Header            string `json:"header,omitempty"`
	MaxAge            int64  `json:"max_age"`
	IncludeSubDomains bool   `json:"include_subdomains"`
	Preload           bool   `json:"preload"`
	Error             string `json:"error,omitempty"`
}

// BrowserClearResult is the outcome of clearing one browser's HSTS store.
type BrowserClearResult struct {
	Browser   string           `json:"browser"`
	Method    string           `json:"method"`
	Success   bool             `json:"success"`
	Message   string           `json:"message,omitempty"`
	Profiles  []ProfileOutcome `json:"profiles,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProfileOutcome is the per-file detail of a browser clear.
type ProfileOutcome struct {
	Path    string `json:"path"`
	Backup  string `json:"backup,omitempty"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// BypassResult is the outcome of one bypass technique, either a launched
// interception tool or an HTTP probe.
type BypassResult struct {
	Method    string    `json:"method"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary provides aggregate counts for the run.
type Summary struct {
	HSTSEnabled     bool `json:"hsts_enabled"`
	BrowsersCleared int  `json:"browsers_cleared"`
	BrowsersFailed  int  `json:"browsers_failed"`
	BypassSucceeded int  `json:"bypass_succeeded"`
	BypassFailed    int  `json:"bypass_failed"`
}

// NetworkManager mutates and restores host network state.
type NetworkManager interface {
	Snapshot(ctx context.Context) (*netcfg.NetworkConfig, error)
	EnableIPForwarding(ctx context.Context, cfg *netcfg.NetworkConfig) error
	ApplyRedirectRules(ctx context.Context, cfg *netcfg.NetworkConfig, iface string, redirects []ports.Redirect) error
	Restore(ctx context.Context, cfg *netcfg.NetworkConfig) error
	Verify(ctx context.Context, cfg *netcfg.NetworkConfig) error
}

// ProcessSupervisor runs the external tools of a session.
type ProcessSupervisor interface {
	Launch(ctx context.Context, spec supervisor.ToolSpec) (*supervisor.Handle, error)
	IsAlive(h *supervisor.Handle) bool
	TerminateAll(grace time.Duration) error
	Events() <-chan supervisor.Event
	Watch(enabled bool)
}

// PreconditionChecker validates the host before any state is touched.
type PreconditionChecker interface {
	Check(cfg Config) error
}

// ProgressReporter is called by the engine to report stage progress.
type ProgressReporter interface {
	Stage(num, total int, msg string)
	Detail(msg string)
	Warn(msg string)
}
