package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"golang.org/x/sync/errgroup"
)

// ClearMode selects how much HSTS state is removed.
type ClearMode string

const (
	ClearModeDomain ClearMode = "domain"
	ClearModeAll    ClearMode = "all"
)

// ParseClearMode validates a --clear-mode value.
func ParseClearMode(s string) (ClearMode, error) {
	switch ClearMode(s) {
	case "", ClearModeDomain:
		return ClearModeDomain, nil
	case ClearModeAll:
		return ClearModeAll, nil
	}
	return "", fmt.Errorf("unknown clear mode %q (want domain or all)", s)
}

// Options controls a Run.
type Options struct {
	Domain  string
	Mode    ClearMode
	Restore bool
	// Concurrency bounds how many browsers are processed at once.
	Concurrency int
	Log         *logrus.Entry
}

// Run clears (or restores) every store concurrently and returns one result
// per browser. Failures are reported in the results, never as an error.
func Run(ctx context.Context, stores []Store, opts Options) map[string]engine.BrowserClearResult {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var (
		mu      sync.Mutex
		results = make(map[string]engine.BrowserClearResult, len(stores))
	)

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for _, st := range stores {
		st := st
		g.Go(func() error {
			r := runOne(ctx, st, opts)
			mu.Lock()
			results[r.Browser] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runOne(ctx context.Context, st Store, opts Options) engine.BrowserClearResult {
	p := st.Profile()
	log := opts.Log.WithField("browser", p.Name)
	r := engine.BrowserClearResult{Browser: p.Name}

	var warning string
	if !opts.Restore && processRunning(p.ProcessNames) {
		warning = fmt.Sprintf("%s is running and may rewrite its HSTS store on exit; restart it to pick up the change", p.DisplayName)
		log.Warn("browser is running")
	}

	var (
		outcomes []engine.ProfileOutcome
		err      error
	)
	switch {
	case opts.Restore:
		r.Method = "restore"
		outcomes, err = st.RestoreFromBackup(ctx)
	case opts.Mode == ClearModeAll:
		r.Method = "clear_all"
		if !p.SupportsFullClear {
			err = fmt.Errorf("%s: full clear: %w", p.Name, ErrUnsupported)
			break
		}
		outcomes, err = st.ClearAll(ctx)
	default:
		r.Method = "clear_domain"
		if !p.SupportsDomainClear {
			err = fmt.Errorf("%s: domain clear: %w", p.Name, ErrUnsupported)
			break
		}
		outcomes, err = st.ClearDomain(ctx, opts.Domain)
	}

	r.Profiles = outcomes
	r.Timestamp = time.Now()
	r.Success = err == nil
	if err != nil {
		r.Message = err.Error()
		log.WithError(err).Error("browser store operation failed")
	} else {
		r.Message = describe(r.Method, outcomes)
		log.WithField("profiles", len(outcomes)).Info(r.Message)
	}
	if warning != "" {
		r.Message += "; " + warning
	}
	return r
}

func describe(method string, outcomes []engine.ProfileOutcome) string {
	removed := 0
	for _, o := range outcomes {
		removed += o.Removed
	}
	switch method {
	case "restore":
		return fmt.Sprintf("restored %d store(s) from backup", len(outcomes))
	case "clear_all":
		return fmt.Sprintf("moved %d store(s) aside (%d entries)", len(outcomes), removed)
	}
	if removed == 0 {
		return fmt.Sprintf("no entries for the domain in %d profile(s)", len(outcomes))
	}
	return fmt.Sprintf("removed %d entries across %d profile(s)", removed, len(outcomes))
}
