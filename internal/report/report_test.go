package report

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnverified/hstsbypass/internal/engine"
)

func TestReporter_ConcurrentAccumulation(t *testing.T) {
	r := New("example.com", "linux")
	r.SetInitialStatus(engine.HSTSStatus{Enabled: true, MaxAge: 31536000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.AddBrowserResult(engine.BrowserClearResult{Browser: fmt.Sprintf("b%d", i), Success: i%2 == 0})
		}(i)
	}
	wg.Wait()

	r.AddBypassResults(
		engine.BypassResult{Method: "https_direct", Success: true},
		engine.BypassResult{Method: "http_direct", Success: false},
	)
	r.Warn("chrome is running")

	rep := r.Report()
	assert.Equal(t, "example.com", rep.Target)
	assert.Len(t, rep.BrowserResults, 20)
	assert.Equal(t, 10, rep.Summary.BrowsersCleared)
	assert.Equal(t, 10, rep.Summary.BrowsersFailed)
	assert.Equal(t, 1, rep.Summary.BypassSucceeded)
	assert.Equal(t, 1, rep.Summary.BypassFailed)
	assert.True(t, rep.Summary.HSTSEnabled)
	assert.Equal(t, "https_direct", rep.BypassResults[0].Method)
	assert.Equal(t, []string{"chrome is running"}, rep.Warnings)
	assert.False(t, rep.CompletedAt.Before(rep.StartedAt))
}

func TestReporter_ReportIsACopy(t *testing.T) {
	r := New("example.com", "linux")
	r.AddBrowserResult(engine.BrowserClearResult{
		Browser:  "firefox",
		Success:  true,
		Profiles: []engine.ProfileOutcome{{Path: "/p/a", Removed: 1}},
	})
	r.SetInitialStatus(engine.HSTSStatus{Enabled: true})

	first := r.Report()
	first.BrowserResults["firefox"].Profiles[0].Removed = 99
	first.InitialStatus.Enabled = false
	first.BrowserResults["chrome"] = engine.BrowserClearResult{}

	second := r.Report()
	require.Len(t, second.BrowserResults, 1)
	assert.Equal(t, 1, second.BrowserResults["firefox"].Profiles[0].Removed)
	assert.True(t, second.InitialStatus.Enabled)
}

func TestReporter_EmptyReportHasNonNilCollections(t *testing.T) {
	rep := New("example.com", "macos").Report()
	assert.NotNil(t, rep.BrowserResults)
	assert.NotNil(t, rep.BypassResults)
	assert.Nil(t, rep.InitialStatus)
	assert.Equal(t, []string{}, BrowserNames(rep))
}
