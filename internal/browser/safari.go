package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/platform"
	"github.com/vulnverified/hstsbypass/internal/target"
	"howett.net/plist"
)

// Core Foundation absolute time starts at 2001-01-01 UTC.
var cfEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// SafariStore handles ~/Library/Cookies/HSTS.plist. The plist is decoded into
// generic maps so keys this package does not know about survive a rewrite.
type SafariStore struct {
	profile platform.BrowserProfile
	mu      sync.Mutex
}

// NewSafari returns the store for Safari.
func NewSafari(p platform.BrowserProfile) *SafariStore {
	return &SafariStore{profile: p}
}

func (s *SafariStore) Profile() platform.BrowserProfile { return s.profile }

func (s *SafariStore) Locate() ([]string, error) {
	return locate(s.profile, platform.SafariStoreFile)
}

func decodeHSTSPlist(data []byte) (map[string]interface{}, int, error) {
	var doc map[string]interface{}
	format, err := plist.Unmarshal(data, &doc)
	if err != nil || doc == nil {
		return nil, 0, ErrCorruptStoreFormat
	}
	return doc, format, nil
}

// hostTables returns the nested dictionaries that map hosts to HSTS records,
// one per storage session.
func hostTables(doc map[string]interface{}) []map[string]interface{} {
	var tables []map[string]interface{}
	for _, v := range doc {
		if m, ok := v.(map[string]interface{}); ok {
			tables = append(tables, m)
		}
	}
	return tables
}

func (s *SafariStore) Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(path, err)
	}
	doc, _, err := decodeHSTSPlist(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var entries []Entry
	for _, table := range hostTables(doc) {
		for host, v := range table {
			rec, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			e := Entry{Host: host}
			if b, ok := rec["Include Subdomains"].(bool); ok {
				e.IncludeSubDomains = b
			}
			if f, ok := rec["Expiry"].(float64); ok && f > 0 {
				e.Expiry = cfEpoch.Add(time.Duration(f * float64(time.Second)))
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ClearAll backs the plist up by renaming it, which also deletes it. Safari
// starts with an empty store.
func (s *SafariStore) ClearAll(ctx context.Context) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := s.Locate()
	if err != nil {
		return nil, err
	}

	path := paths[0]
	o := engine.ProfileOutcome{Path: path}
	if entries, err := s.Read(path); err == nil {
		o.Removed = len(entries)
	}
	if o.Backup, err = backupRename(path); err != nil {
		o.Error = err.Error()
		return []engine.ProfileOutcome{o}, err
	}
	return []engine.ProfileOutcome{o}, nil
}

// ClearDomain removes domain and its subdomains from every storage session
// and re-encodes the plist in its original format.
func (s *SafariStore) ClearDomain(ctx context.Context, domain string) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := s.Locate()
	if err != nil {
		return nil, err
	}

	path := paths[0]
	o := engine.ProfileOutcome{Path: path}
	o.Removed, o.Backup, err = s.clearFile(path, domain)
	if err != nil {
		o.Error = err.Error()
	}
	return []engine.ProfileOutcome{o}, err
}

func (s *SafariStore) clearFile(path, domain string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", classify(path, err)
	}
	doc, format, err := decodeHSTSPlist(data)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", path, err)
	}

	removed := 0
	tg := target.Target{Domain: domain}
	for _, table := range hostTables(doc) {
		for host := range table {
			if tg.Matches(host) {
				delete(table, host)
				removed++
			}
		}
	}
	if removed == 0 {
		return 0, "", nil
	}

	out, err := plist.Marshal(doc, format)
	if err != nil {
		return 0, "", fmt.Errorf("encode %s: %w", path, err)
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

func (s *SafariStore) RestoreFromBackup(ctx context.Context) ([]engine.ProfileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return restoreLatest(storeRoot(s.profile), platform.SafariStoreFile)
}
