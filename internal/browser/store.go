// Package browser reads and rewrites the HSTS persistence of installed
// browsers. Every rewrite is preceded by a backup and lands through a temp
// file and rename, so a store is never truncated in place.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/platform"
)

var (
	ErrProfileNotFound    = errors.New("browser profile not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrCorruptStoreFormat = errors.New("corrupt HSTS store")
	ErrNoBackup           = errors.New("no backup found")
	ErrUnsupported        = errors.New("operation not supported")
)

// Entry is one HSTS record as stored by a browser. Chromium stores only a
// hash of the host, in which case Hashed is true and Host holds the hash.
type Entry struct {
	Host              string    `json:"host"`
	Hashed            bool      `json:"hashed,omitempty"`
	IncludeSubDomains bool      `json:"include_subdomains"`
	Expiry            time.Time `json:"expiry,omitempty"`
}

// Store is the HSTS persistence of one browser.
type Store interface {
	Profile() platform.BrowserProfile
	// Locate returns the store files on disk, or ErrProfileNotFound.
	Locate() ([]string, error)
	Read(path string) ([]Entry, error)
	ClearAll(ctx context.Context) ([]engine.ProfileOutcome, error)
	ClearDomain(ctx context.Context, domain string) ([]engine.ProfileOutcome, error)
	RestoreFromBackup(ctx context.Context) ([]engine.ProfileOutcome, error)
}

// New returns the store implementation for p's family.
func New(p platform.BrowserProfile) (Store, error) {
	switch p.Family {
	case platform.Chromium:
		return NewChromium(p), nil
	case platform.Firefox:
		return NewFirefox(p), nil
	case platform.Safari:
		return NewSafari(p), nil
	}
	return nil, fmt.Errorf("%s: unknown browser family %q", p.Name, p.Family)
}
