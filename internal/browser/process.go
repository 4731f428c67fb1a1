package browser

import (
	"bytes"
	"os/exec"
	"runtime"
)

// processRunning reports whether any of the named processes is running.
// Replaced in tests.
var processRunning = func(names []string) bool {
	for _, name := range names {
		if runtime.GOOS == "windows" {
			out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+name, "/NH").Output()
			if err == nil && bytes.Contains(bytes.ToLower(out), bytes.ToLower([]byte(name))) {
				return true
			}
			continue
		}
		if err := exec.Command("pgrep", "-x", name).Run(); err == nil {
			return true
		}
	}
	return false
}
