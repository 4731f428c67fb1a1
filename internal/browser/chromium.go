package browser

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/platform"
	"go.uber.org/multierr"
)

// ChromiumStore handles the TransportSecurity JSON file shared by Chrome,
// Edge, Brave and Opera. Hosts are persisted only as hashes, see HashHost.
type ChromiumStore struct {
	profile platform.BrowserProfile
	mu      sync.Mutex
}

// NewChromium returns the store for a Chromium-family profile.
func NewChromium(p platform.BrowserProfile) *ChromiumStore {
	return &ChromiumStore{profile: p}
}

// HashHost returns the key Chromium stores for host: base64 of the SHA-256
// of the host in DNS wire format, root label included.
func HashHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(dns.Fqdn(host), buf, 0, nil, false)
	if err != nil {
		return "", fmt.Errorf("hash %q: %w", host, err)
	}
	sum := sha256.Sum256(buf[:n])
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (s *ChromiumStore) Profile() platform.BrowserProfile { return s.profile }

func (s *ChromiumStore) Locate() ([]string, error) {
	return locate(s.profile, platform.ChromiumStoreFile)
}

func (s *ChromiumStore) Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(path, err)
	}
	entries, err := parseTransportSecurity(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// ClearAll moves every TransportSecurity file aside. Chromium starts over
// with an empty store.
func (s *ChromiumStore) ClearAll(ctx context.Context) ([]engine.ProfileOutcome, error) {
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
		backup, err := backupRename(path)
		if err != nil {
			o.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		o.Backup = backup
		outcomes = append(outcomes, o)
	}
	return outcomes, errs
}

// ClearDomain removes the entry for domain from every profile. Unrelated
// entries and unknown fields are left byte for byte as they were.
func (s *ChromiumStore) ClearDomain(ctx context.Context, domain string) ([]engine.ProfileOutcome, error) {
	hash, err := HashHost(domain)
	if err != nil {
		return nil, err
	}

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
		o.Removed, o.Backup, err = s.clearFile(path, hash)
		if err != nil {
			o.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errs
}

func (s *ChromiumStore) clearFile(path, hash string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", classify(path, err)
	}
	if _, err := parseTransportSecurity(data); err != nil {
		return 0, "", fmt.Errorf("%s: %w", path, err)
	}

	out, removed, err := removeHashedHost(data, hash)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", path, err)
	}
	if removed == 0 {
		return 0, "", nil
	}

	backup, err := backupCopy(path)
	if err != nil {
		return 0, "", err
	}
	if err := atomicWrite(path, out); err != nil {
		return 0, backup, err
	}
	return removed, backup, nil
}

func (s *ChromiumStore) RestoreFromBackup(ctx context.Context) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return restoreLatest(storeRoot(s.profile), platform.ChromiumStoreFile)
}

// parseTransportSecurity accepts the current layout ({"sts":[...],
// "version":2}) and the legacy layout keyed by hashed host.
func parseTransportSecurity(data []byte) ([]Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrCorruptStoreFormat
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrCorruptStoreFormat
	}

	var entries []Entry
	if sts := root.Get("sts"); sts.Exists() {
		if !sts.IsArray() {
			return nil, ErrCorruptStoreFormat
		}
		sts.ForEach(func(_, v gjson.Result) bool {
			entries = append(entries, Entry{
				Host:              v.Get("host").String(),
				Hashed:            true,
				IncludeSubDomains: v.Get("sts_include_subdomains").Bool(),
				Expiry:            unixSeconds(v.Get("expiry").Float()),
			})
			return true
		})
		return entries, nil
	}

	root.ForEach(func(k, v gjson.Result) bool {
		if v.IsObject() && v.Get("mode").Exists() {
			include := v.Get("sts_include_subdomains")
			if !include.Exists() {
				include = v.Get("include_subdomains")
			}
			entries = append(entries, Entry{
				Host:              k.String(),
				Hashed:            true,
				IncludeSubDomains: include.Bool(),
				Expiry:            unixSeconds(v.Get("expiry").Float()),
			})
		}
		return true
	})
	return entries, nil
}

func removeHashedHost(data []byte, hash string) ([]byte, int, error) {
	root := gjson.ParseBytes(data)

	if sts := root.Get("sts"); sts.IsArray() {
		var idx []int
		for i, v := range sts.Array() {
			if v.Get("host").String() == hash {
				idx = append(idx, i)
			}
		}
		out := data
		var err error
		for i := len(idx) - 1; i >= 0; i-- {
			out, err = sjson.DeleteBytes(out, "sts."+strconv.Itoa(idx[i]))
			if err != nil {
				return nil, 0, err
			}
		}
		return out, len(idx), nil
	}

	key := escapePath(hash)
	if !root.Get(key).Exists() {
		return data, 0, nil
	}
	out, err := sjson.DeleteBytes(data, key)
	if err != nil {
		return nil, 0, err
	}
	return out, 1, nil
}

// escapePath escapes every non-alphanumeric byte for use as a single
// gjson/sjson path component. Base64 keys contain '+', '/' and '='.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unixSeconds(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// locate finds the store files of p on disk right now; detection-time paths
// go stale once a store is moved aside.
func locate(p platform.BrowserProfile, name string) ([]string, error) {
	var paths []string
	if p.DataDir != "" {
		paths = platform.FindStoreFiles(p.DataDir, name)
	} else {
		for _, sp := range p.StorePaths {
			if _, err := os.Stat(sp); err == nil {
				paths = append(paths, sp)
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no %s: %w", p.Name, name, ErrProfileNotFound)
	}
	return paths, nil
}

func storeRoot(p platform.BrowserProfile) string {
	if p.DataDir != "" {
		return p.DataDir
	}
	if len(p.StorePaths) > 0 {
		return filepath.Dir(p.StorePaths[0])
	}
	return "."
}
