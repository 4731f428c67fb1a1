package browser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/platform"
	"github.com/vulnverified/hstsbypass/internal/target"
	"go.uber.org/multierr"
)

// FirefoxStore handles SiteSecurityServiceState.txt in every Firefox profile.
// Each line is "host[^originAttributes]:TYPE\tscore\tlastAccessed\tvalue";
// lines that do not parse are kept as they are.
type FirefoxStore struct {
	profile platform.BrowserProfile
	mu      sync.Mutex
}

// NewFirefox returns the store for a Firefox profile directory.
func NewFirefox(p platform.BrowserProfile) *FirefoxStore {
	return &FirefoxStore{profile: p}
}

type sssLine struct {
	host  string
	kind  string
	value string
}

func parseSSSLine(line string) (sssLine, bool) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) < 4 {
		return sssLine{}, false
	}
	key := fields[0]
	i := strings.LastIndexByte(key, ':')
	if i <= 0 {
		return sssLine{}, false
	}
	host, kind := key[:i], key[i+1:]
	if j := strings.IndexByte(host, '^'); j >= 0 {
		host = host[:j]
	}
	return sssLine{host: strings.ToLower(host), kind: kind, value: fields[3]}, true
}

func (l sssLine) entry() Entry {
	e := Entry{Host: l.host}
	parts := strings.Split(l.value, ",")
	if len(parts) > 0 {
		if ms, err := strconv.ParseInt(parts[0], 10, 64); err == nil && ms > 0 {
			e.Expiry = time.UnixMilli(ms).UTC()
		}
	}
	if len(parts) > 2 {
		e.IncludeSubDomains = parts[2] == "1"
	}
	return e
}

func checkSSS(data []byte) error {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return ErrCorruptStoreFormat
	}
	return nil
}

func (s *FirefoxStore) Profile() platform.BrowserProfile { return s.profile }

func (s *FirefoxStore) Locate() ([]string, error) {
	return locate(s.profile, platform.FirefoxStoreFile)
}

func (s *FirefoxStore) Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(path, err)
	}
	if err := checkSSS(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if l, ok := parseSSSLine(line); ok && l.kind == "HSTS" {
			entries = append(entries, l.entry())
		}
	}
	return entries, nil
}

// ClearAll moves every profile's state file aside.
func (s *FirefoxStore) ClearAll(ctx context.Context) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.Locate()
	if err != nil {
		return nil, err
	}

	var (
		outcomes []engine.ProfileOutcome
		errs     error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return outcomes, multierr.Append(errs, err)
		}
		o := engine.ProfileOutcome{Path: path}
		if entries, err := s.Read(path); err == nil {
			o.Removed = len(entries)
		}
		if o.Backup, err = backupRename(path); err != nil {
			o.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errs
}

// ClearDomain drops the HSTS lines for domain and its subdomains from every
// profile and reports the outcome per profile.
func (s *FirefoxStore) ClearDomain(ctx context.Context, domain string) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.Locate()
	if err != nil {
		return nil, err
	}

	var (
		outcomes []engine.ProfileOutcome
		errs     error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return outcomes, multierr.Append(errs, err)
		}
		o := engine.ProfileOutcome{Path: path}
		o.Removed, o.Backup, err = s.clearFile(path, domain)
		if err != nil {
			o.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errs
}

func (s *FirefoxStore) clearFile(path, domain string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", classify(path, err)
	}
	if err := checkSSS(data); err != nil {
		return 0, "", fmt.Errorf("%s: %w", path, err)
	}

	var (
		kept    strings.Builder
		removed int
		tg      = target.Target{Domain: domain}
	)
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if l, ok := parseSSSLine(line); ok && l.kind == "HSTS" && tg.Matches(l.host) {
			removed++
			continue
		}
		kept.WriteString(line)
	}
	if removed == 0 {
		return 0, "", nil
	}

	backup, err := backupCopy(path)
	if err != nil {
		return 0, "", err
	}
	if err := atomicWrite(path, []byte(kept.String())); err != nil {
		return 0, backup, err
	}
	return removed, backup, nil
}

func (s *FirefoxStore) RestoreFromBackup(ctx context.Context) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return restoreLatest(storeRoot(s.profile), platform.FirefoxStoreFile)
}
