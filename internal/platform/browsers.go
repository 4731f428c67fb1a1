package platform

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Family groups browsers that share an HSTS persistence format.
type Family string

const (
	Chromium Family = "chromium"
	Firefox  Family = "firefox"
	Safari   Family = "safari"
)

// Store file names per family.
const (
	ChromiumStoreFile = "TransportSecurity"
	FirefoxStoreFile  = "SiteSecurityServiceState.txt"
	SafariStoreFile   = "HSTS.plist"
)

// BrowserProfile describes an installed browser and where its HSTS state lives.
// It is created by the Detector and treated as read-only afterwards.
type BrowserProfile struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Family       Family   `json:"family"`
	DataDir      string   `json:"data_dir"`
	StorePaths   []string `json:"store_paths,omitempty"`
	ProcessNames []string `json:"-"`

	SupportsFullClear   bool `json:"supports_full_clear"`
	SupportsDomainClear bool `json:"supports_domain_clear"`
}

type browserDef struct {
	name      string
	display   string
	family    Family
	processes map[OS][]string
	// data directory path elements relative to the user's home
	dirs map[OS][]string
}

var knownBrowsers = []browserDef{
	{
		name: "chrome", display: "Google Chrome", family: Chromium,
		dirs: map[OS][]string{
			Windows: {"AppData", "Local", "Google", "Chrome", "User Data"},
			MacOS:   {"Library", "Application Support", "Google", "Chrome"},
			Linux:   {".config", "google-chrome"},
		},
		processes: map[OS][]string{Windows: {"chrome.exe"}, MacOS: {"Google Chrome"}, Linux: {"chrome"}},
	},
	{
		name: "edge", display: "Microsoft Edge", family: Chromium,
		dirs: map[OS][]string{
			Windows: {"AppData", "Local", "Microsoft", "Edge", "User Data"},
			MacOS:   {"Library", "Application Support", "Microsoft Edge"},
			Linux:   {".config", "microsoft-edge"},
		},
		processes: map[OS][]string{Windows: {"msedge.exe"}, MacOS: {"Microsoft Edge"}, Linux: {"msedge"}},
	},
	{
		name: "brave", display: "Brave", family: Chromium,
		dirs: map[OS][]string{
			Windows: {"AppData", "Local", "BraveSoftware", "Brave-Browser", "User Data"},
			MacOS:   {"Library", "Application Support", "BraveSoftware", "Brave-Browser"},
			Linux:   {".config", "BraveSoftware", "Brave-Browser"},
		},
		processes: map[OS][]string{Windows: {"brave.exe"}, MacOS: {"Brave Browser"}, Linux: {"brave"}},
	},
	{
		name: "opera", display: "Opera", family: Chromium,
		dirs: map[OS][]string{
			Windows: {"AppData", "Roaming", "Opera Software", "Opera Stable"},
			MacOS:   {"Library", "Application Support", "com.operasoftware.Opera"},
			Linux:   {".config", "opera"},
		},
		processes: map[OS][]string{Windows: {"opera.exe"}, MacOS: {"Opera"}, Linux: {"opera"}},
	},
	{
		name: "firefox", display: "Mozilla Firefox", family: Firefox,
		dirs: map[OS][]string{
			Windows: {"AppData", "Roaming", "Mozilla", "Firefox", "Profiles"},
			MacOS:   {"Library", "Application Support", "Firefox", "Profiles"},
			Linux:   {".mozilla", "firefox"},
		},
		processes: map[OS][]string{Windows: {"firefox.exe"}, MacOS: {"firefox"}, Linux: {"firefox"}},
	},
	{
		name: "safari", display: "Safari", family: Safari,
		dirs: map[OS][]string{
			MacOS: {"Library", "Cookies"},
		},
		processes: map[OS][]string{MacOS: {"Safari"}},
	},
}

// BrowserNames lists every browser name the detector knows about.
func BrowserNames() []string {
	names := make([]string, 0, len(knownBrowsers))
	for _, b := range knownBrowsers {
		names = append(names, b.name)
	}
	return names
}

// Detector probes the filesystem for installed browsers. Home and OS default
// to the current user and host when empty.
type Detector struct {
	Home string
	OS   OS
}

// NewDetector returns a Detector bound to the current user and host OS.
func NewDetector() (*Detector, error) {
	osys, err := DetectOS()
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Detector{Home: home, OS: osys}, nil
}

// DetectInstalledBrowsers returns every known browser whose data directory
// exists. Missing browsers are skipped silently.
func (d *Detector) DetectInstalledBrowsers() []BrowserProfile {
	var found []BrowserProfile
	for _, def := range knownBrowsers {
		if p, ok := d.probe(def); ok {
			found = append(found, p)
		}
	}
	return found
}

// Lookup returns the profile for a single browser by name. The boolean is
// false when the browser is unknown, unsupported on this OS, or not installed.
func (d *Detector) Lookup(name string) (BrowserProfile, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, def := range knownBrowsers {
		if def.name == name {
			return d.probe(def)
		}
	}
	return BrowserProfile{}, false
}

// Supported reports whether name is a known browser available on this OS.
func (d *Detector) Supported(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, def := range knownBrowsers {
		if def.name == name {
			_, ok := def.dirs[d.OS]
			return ok
		}
	}
	return false
}

func (d *Detector) probe(def browserDef) (BrowserProfile, bool) {
	rel, ok := def.dirs[d.OS]
	if !ok {
		return BrowserProfile{}, false
	}
	dir := filepath.Join(append([]string{d.Home}, rel...)...)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return BrowserProfile{}, false
	}

	p := BrowserProfile{
		Name:              def.name,
		DisplayName:       def.display,
		Family:            def.family,
		DataDir:           dir,
		ProcessNames:      def.processes[d.OS],
		SupportsFullClear: true,
	}

	switch def.family {
	case Chromium:
		p.StorePaths = FindStoreFiles(dir, ChromiumStoreFile)
		p.SupportsDomainClear = true
	case Firefox:
		p.StorePaths = FindStoreFiles(dir, FirefoxStoreFile)
		p.SupportsDomainClear = true
	case Safari:
		path := filepath.Join(dir, SafariStoreFile)
		if _, err := os.Stat(path); err == nil {
			p.StorePaths = []string{path}
		}
		p.SupportsDomainClear = true
	}
	return p, true
}

// FindStoreFiles walks root and returns every regular file named name,
// sorted for stable output. Unreadable subdirectories are skipped.
func FindStoreFiles(root, name string) []string {
	var paths []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths
}
