package output

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
)

// Version is set via ldflags at build time.
var Version = "dev"

// WriteHeader prints the hstsbypass banner.
func WriteHeader(w io.Writer, noColor bool) {
	if noColor {
		fmt.Fprintf(w, "hstsbypass %s (authorized testing only)\n\n", Version)
	} else {
		fmt.Fprintf(w, "\033[1mhstsbypass %s\033[0m (authorized testing only)\n\n", Version)
	}
}

// WriteSummary prints the post-run summary.
func WriteSummary(w io.Writer, rep *engine.Report, noColor bool) {
	s := rep.Summary

	bold := func(label string) string {
		if noColor {
			return label
		}
		return "\033[1m" + label + "\033[0m"
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", bold("Target:"), rep.Target)
	if st := rep.InitialStatus; st != nil {
		fmt.Fprintf(w, "%s %s\n", bold("HSTS:"), describeStatus(st))
	}
	if len(rep.BrowserResults) > 0 {
		fmt.Fprintf(w, "%s %d cleared, %d failed\n", bold("Browsers:"), s.BrowsersCleared, s.BrowsersFailed)
	}
	if len(rep.BypassResults) > 0 {
		fmt.Fprintf(w, "%s %d succeeded, %d failed\n", bold("Bypass:"), s.BypassSucceeded, s.BypassFailed)
	}

	for _, warn := range rep.Warnings {
		if noColor {
			fmt.Fprintf(w, "! %s\n", warn)
		} else {
			fmt.Fprintf(w, "\033[33m!\033[0m %s\n", warn)
		}
	}
}

func describeStatus(st *engine.HSTSStatus) string {
	if st.Error != "" && !st.Enabled {
		return "unknown (" + st.Error + ")"
	}
	if !st.Enabled {
		return "not enabled"
	}
	parts := []string{fmt.Sprintf("enabled, max-age=%d", st.MaxAge)}
	if st.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if st.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, ", ")
}

// WriteRestoreFailure prints a prominent box listing the network state that
// teardown could not revert and the commands that revert it by hand. It is
// a no-op unless err wraps netcfg.ErrRestoreFailed.
func WriteRestoreFailure(w io.Writer, err error, cfg *netcfg.NetworkConfig, noColor bool) {
	if !errors.Is(err, netcfg.ErrRestoreFailed) {
		return
	}

	var lines []string
	lines = append(lines, "NETWORK STATE NOT FULLY RESTORED")
	var re *netcfg.RestoreError
	if errors.As(err, &re) && len(re.Residual) > 0 {
		lines = append(lines, "", "Residual state:")
		for _, r := range re.Residual {
			lines = append(lines, "  - "+r)
		}
	}
	if cmds := netcfg.Remediation(cfg); len(cmds) > 0 {
		lines = append(lines, "", "Run as root to revert:")
		for _, c := range cmds {
			lines = append(lines, "  "+c)
		}
	}
	lines = append(lines, "", "or: hstsbypass cleanup")
	body := strings.Join(lines, "\n")

	fmt.Fprintln(w)
	if noColor {
		fmt.Fprintln(w, body)
		return
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.ThickBorder()).
		BorderForeground(lipgloss.Color("196")).
		Foreground(lipgloss.Color("196")).
		Padding(0, 1)
	fmt.Fprintln(w, box.Render(body))
}
