// Package platform identifies the host operating system and the browsers
// installed for the current user.
package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// OS is one of the three supported host operating systems.
type OS string

const (
	Windows OS = "windows"
	MacOS   OS = "macos"
	Linux   OS = "linux"
)

// ErrUnsupportedPlatform is returned for any GOOS other than windows, darwin or linux.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// DetectOS returns the operating system this binary is running on.
func DetectOS() (OS, error) {
	return FromGOOS(runtime.GOOS)
}

// FromGOOS maps a Go GOOS value to an OS.
func FromGOOS(goos string) (OS, error) {
	switch goos {
	case "windows":
		return Windows, nil
	case "darwin":
		return MacOS, nil
	case "linux":
		return Linux, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}
