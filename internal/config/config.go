// Package config loads hstsbypass.toml and layers environment variables and
// command-line flags over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/pkg/ports"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "hstsbypass.toml"

// EnvPrefix prefixes every environment override, e.g. HSTSBYPASS_LOG_LEVEL.
const EnvPrefix = "HSTSBYPASS"

// ErrExists is returned by WriteDefault when the file is already present.
var ErrExists = errors.New("config file already exists")

// DefaultTOML is written by `hstsbypass config init`.
const DefaultTOML = `# hstsbypass configuration
# Every key can be overridden with an HSTSBYPASS_* environment variable
# (dots become underscores, e.g. HSTSBYPASS_LOG_LEVEL) or a flag.

# Session artifacts: pid files, network snapshot, dnsspoof hosts, tool logs.
workdir = "/tmp/hstsbypass"

# Report written after every run. Empty disables it.
output = "hstsbypass-report.json"

[mitm]
interface = ""
gateway = ""
intercept = "none"      # none, sslstrip or mitmproxy
arp_tool = "arpspoof"   # arpspoof, ettercap or bettercap
dns_tool = "dnsspoof"   # dnsspoof or bettercap
sslstrip_port = 10000
mitmproxy_port = 8080
redirects = ""          # override the tool's port mappings, e.g. "80:10000,8080:10000"
health_interval = "2s"
startup_wait = "1s"
grace_period = "3s"

[tools]
arpspoof = "arpspoof"
dnsspoof = "dnsspoof"
sslstrip = "sslstrip"
mitmdump = "mitmdump"
ettercap = "ettercap"
bettercap = "bettercap"

[browsers]
clear_mode = "domain"   # domain or all
concurrency = 4

[probe]
timeout = "10s"
user_agent = ""

[log]
level = "info"
format = "text"         # text or json
file = ""
`

// Duration is a time.Duration written as a string like "3s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config mirrors hstsbypass.toml.
type Config struct {
	WorkDir  string   `toml:"workdir"`
	Output   string   `toml:"output"`
	MITM     MITM     `toml:"mitm"`
	Tools    Tools    `toml:"tools"`
	Browsers Browsers `toml:"browsers"`
	Probe    Probe    `toml:"probe"`
	Log      Log      `toml:"log"`
}

type MITM struct {
	Interface      string   `toml:"interface"`
	Gateway        string   `toml:"gateway"`
	Intercept      string   `toml:"intercept"`
	ARPTool        string   `toml:"arp_tool"`
	DNSTool        string   `toml:"dns_tool"`
	SSLStripPort   int      `toml:"sslstrip_port"`
	MITMProxyPort  int      `toml:"mitmproxy_port"`
	Redirects      string   `toml:"redirects"`
	HealthInterval Duration `toml:"health_interval"`
	StartupWait    Duration `toml:"startup_wait"`
	GracePeriod    Duration `toml:"grace_period"`
}

// Tools holds executable names or paths of the external tools.
type Tools struct {
	ARPSpoof  string `toml:"arpspoof"`
	DNSSpoof  string `toml:"dnsspoof"`
	SSLStrip  string `toml:"sslstrip"`
	MITMDump  string `toml:"mitmdump"`
	Ettercap  string `toml:"ettercap"`
	Bettercap string `toml:"bettercap"`
}

type Browsers struct {
	ClearMode   string `toml:"clear_mode"`
	Concurrency int    `toml:"concurrency"`
}

type Probe struct {
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns the values of DefaultTOML.
func Default() Config {
	t := engine.DefaultTools()
	return Config{
		WorkDir: filepath.Join(os.TempDir(), "hstsbypass"),
		Output:  "hstsbypass-report.json",
		MITM: MITM{
			Intercept:      string(engine.InterceptNone),
			ARPTool:        string(engine.ARPToolArpspoof),
			DNSTool:        string(engine.DNSToolDNSSpoof),
			SSLStripPort:   ports.SSLStripPort,
			MITMProxyPort:  ports.MITMProxyPort,
			HealthInterval: Duration{2 * time.Second},
			StartupWait:    Duration{time.Second},
			GracePeriod:    Duration{3 * time.Second},
		},
		Tools: Tools{
			ARPSpoof:  t.ARPSpoof,
			DNSSpoof:  t.DNSSpoof,
			SSLStrip:  t.SSLStrip,
			MITMDump:  t.MITMDump,
			Ettercap:  t.Ettercap,
			Bettercap: t.Bettercap,
		},
		Browsers: Browsers{ClearMode: "domain", Concurrency: 4},
		Probe:    Probe{Timeout: Duration{10 * time.Second}},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load decodes path over the defaults. A missing file is not an error. Keys
// the decoder did not recognise are returned as warnings.
func Load(path string) (Config, []string, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil, nil
		}
		return cfg, nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("%s: unknown key %q", path, key.String()))
	}
	return cfg, warnings, nil
}

// WriteDefault writes DefaultTOML to path. An existing file is kept unless
// force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, []byte(DefaultTOML), 0o644); err != nil {
		return fmt.Errorf("unable to write default config to %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance reading HSTSBYPASS_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Overlay replaces file values with any set in v, whether from the
// environment or a changed flag bound under the same key.
func (c *Config) Overlay(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	var errs []string
	dur := func(key string, dst *Duration) {
		if !v.IsSet(key) {
			return
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		dst.Duration = d
	}

	str("workdir", &c.WorkDir)
	str("output", &c.Output)
	str("mitm.interface", &c.MITM.Interface)
	str("mitm.gateway", &c.MITM.Gateway)
	str("mitm.intercept", &c.MITM.Intercept)
	str("mitm.arp_tool", &c.MITM.ARPTool)
	str("mitm.dns_tool", &c.MITM.DNSTool)
	num("mitm.sslstrip_port", &c.MITM.SSLStripPort)
	num("mitm.mitmproxy_port", &c.MITM.MITMProxyPort)
	str("mitm.redirects", &c.MITM.Redirects)
	dur("mitm.health_interval", &c.MITM.HealthInterval)
	dur("mitm.startup_wait", &c.MITM.StartupWait)
	dur("mitm.grace_period", &c.MITM.GracePeriod)
	str("tools.arpspoof", &c.Tools.ARPSpoof)
	str("tools.dnsspoof", &c.Tools.DNSSpoof)
	str("tools.sslstrip", &c.Tools.SSLStrip)
	str("tools.mitmdump", &c.Tools.MITMDump)
	str("tools.ettercap", &c.Tools.Ettercap)
	str("tools.bettercap", &c.Tools.Bettercap)
	str("browsers.clear_mode", &c.Browsers.ClearMode)
	num("browsers.concurrency", &c.Browsers.Concurrency)
	dur("probe.timeout", &c.Probe.Timeout)
	str("probe.user_agent", &c.Probe.UserAgent)
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	str("log.file", &c.Log.File)

	if len(errs) > 0 {
		return fmt.Errorf("invalid duration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EngineTools converts the tool names for the session config.
func (c Config) EngineTools() engine.Tools {
	return engine.Tools{
		ARPSpoof:  c.Tools.ARPSpoof,
		DNSSpoof:  c.Tools.DNSSpoof,
		SSLStrip:  c.Tools.SSLStrip,
		MITMDump:  c.Tools.MITMDump,
		Ettercap:  c.Tools.Ettercap,
		Bettercap: c.Tools.Bettercap,
	}
}
