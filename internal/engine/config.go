package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/vulnverified/hstsbypass/internal/target"
	"github.com/vulnverified/hstsbypass/pkg/ports"
)

// Intercept selects the SSL interception tool.
type Intercept string

const (
	InterceptNone      Intercept = "none"
	InterceptSSLStrip  Intercept = "sslstrip"
	InterceptMITMProxy Intercept = "mitmproxy"
)

// ParseIntercept validates an --intercept value.
func ParseIntercept(s string) (Intercept, error) {
	switch Intercept(s) {
	case "", InterceptNone:
		return InterceptNone, nil
	case InterceptSSLStrip, InterceptMITMProxy:
		return Intercept(s), nil
	}
	return "", fmt.Errorf("unknown intercept tool %q (want sslstrip, mitmproxy or none)", s)
}

// ARPTool selects the program that poisons ARP caches.
type ARPTool string

const (
	ARPToolArpspoof  ARPTool = "arpspoof"
	ARPToolEttercap  ARPTool = "ettercap"
	ARPToolBettercap ARPTool = "bettercap"
)

// ParseARPTool validates an --arp-tool value.
func ParseARPTool(s string) (ARPTool, error) {
	switch ARPTool(s) {
	case "":
		return ARPToolArpspoof, nil
	case ARPToolArpspoof, ARPToolEttercap, ARPToolBettercap:
		return ARPTool(s), nil
	}
	return "", fmt.Errorf("unknown arp tool %q (want arpspoof, ettercap or bettercap)", s)
}

// DNSTool selects the program that answers spoofed DNS queries.
type DNSTool string

const (
	DNSToolDNSSpoof  DNSTool = "dnsspoof"
	DNSToolBettercap DNSTool = "bettercap"
)

// ParseDNSTool validates a --dns-tool value.
func ParseDNSTool(s string) (DNSTool, error) {
	switch DNSTool(s) {
	case "":
		return DNSToolDNSSpoof, nil
	case DNSToolDNSSpoof, DNSToolBettercap:
		return DNSTool(s), nil
	}
	return "", fmt.Errorf("unknown dns tool %q (want dnsspoof or bettercap)", s)
}

// Mode is the set of techniques a session runs.
type Mode struct {
	ARP       bool
	DNS       bool
	Intercept Intercept
	ARPTool   ARPTool
	DNSTool   DNSTool
}

// Tools holds the executable for each external tool.
type Tools struct {
	ARPSpoof  string
	DNSSpoof  string
	SSLStrip  string
	MITMDump  string
	Ettercap  string
	Bettercap string
}

// DefaultTools returns the stock executable names.
func DefaultTools() Tools {
	return Tools{
		ARPSpoof:  "arpspoof",
		DNSSpoof:  "dnsspoof",
		SSLStrip:  "sslstrip",
		MITMDump:  "mitmdump",
		Ettercap:  "ettercap",
		Bettercap: "bettercap",
	}
}

// Config holds the runtime configuration for an interception session.
type Config struct {
	Target     target.Target
	Interface  string
	Gateway    net.IP
	Victims    []net.IP
	AllTargets bool
	// AttackerIP is the address dnsspoof answers with.
	AttackerIP net.IP
	Mode       Mode
	Tools      Tools

	SSLStripPort  int
	MITMProxyPort int
	// Redirects replaces the interception tool's default port mappings.
	Redirects []ports.Redirect

	HealthInterval time.Duration
	StartupWait    time.Duration
	GracePeriod    time.Duration

	// WorkDir holds per-session artifacts (hosts file, tool logs, pid files).
	WorkDir string
}

func (c *Config) applyDefaults() {
	d := DefaultTools()
	orDefault(&c.Tools.ARPSpoof, d.ARPSpoof)
	orDefault(&c.Tools.DNSSpoof, d.DNSSpoof)
	orDefault(&c.Tools.SSLStrip, d.SSLStrip)
	orDefault(&c.Tools.MITMDump, d.MITMDump)
	orDefault(&c.Tools.Ettercap, d.Ettercap)
	orDefault(&c.Tools.Bettercap, d.Bettercap)
	if c.Mode.Intercept == "" {
		c.Mode.Intercept = InterceptNone
	}
	if c.Mode.ARPTool == "" {
		c.Mode.ARPTool = ARPToolArpspoof
	}
	if c.Mode.DNSTool == "" {
		c.Mode.DNSTool = DNSToolDNSSpoof
	}
	if c.SSLStripPort == 0 {
		c.SSLStripPort = ports.SSLStripPort
	}
	if c.MITMProxyPort == 0 {
		c.MITMProxyPort = ports.MITMProxyPort
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.StartupWait <= 0 {
		c.StartupWait = time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 3 * time.Second
	}
}

// Validate checks the configuration itself, independent of the host.
func (c *Config) Validate() error {
	var reasons []string
	if c.Target.Domain == "" {
		reasons = append(reasons, "no target domain")
	}
	if c.Interface == "" {
		reasons = append(reasons, "no network interface")
	}
	if c.Gateway == nil || c.Gateway.To4() == nil {
		reasons = append(reasons, "gateway must be an IPv4 address")
	}
	if c.Mode.ARP && !c.AllTargets && len(c.Victims) == 0 {
		reasons = append(reasons, "no target hosts (use --target or --all-targets)")
	}
	if c.Mode.DNS && c.AttackerIP == nil {
		reasons = append(reasons, fmt.Sprintf("no IPv4 address on %s for DNS answers", c.Interface))
	}
	if _, err := ParseIntercept(string(c.Mode.Intercept)); err != nil {
		reasons = append(reasons, err.Error())
	}
	if _, err := ParseARPTool(string(c.Mode.ARPTool)); err != nil {
		reasons = append(reasons, err.Error())
	}
	if _, err := ParseDNSTool(string(c.Mode.DNSTool)); err != nil {
		reasons = append(reasons, err.Error())
	}
	if len(reasons) > 0 {
		return &PreconditionError{Reasons: reasons}
	}
	return nil
}

func orDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// requiredTools lists the executables the configured mode needs.
func (c *Config) requiredTools() []string {
	var tools []string
	if c.Mode.ARP {
		switch c.Mode.ARPTool {
		case ARPToolEttercap:
			tools = append(tools, c.Tools.Ettercap)
		case ARPToolBettercap:
			tools = append(tools, c.Tools.Bettercap)
		default:
			tools = append(tools, c.Tools.ARPSpoof)
		}
	}
	if c.Mode.DNS {
		if c.Mode.DNSTool == DNSToolBettercap {
			tools = append(tools, c.Tools.Bettercap)
		} else {
			tools = append(tools, c.Tools.DNSSpoof)
		}
	}
	switch c.Mode.Intercept {
	case InterceptSSLStrip:
		tools = append(tools, c.Tools.SSLStrip)
	case InterceptMITMProxy:
		tools = append(tools, c.Tools.MITMDump)
	}
	return tools
}

func (c *Config) redirects() []ports.Redirect {
	if c.Mode.Intercept != InterceptNone && len(c.Redirects) > 0 {
		return c.Redirects
	}
	switch c.Mode.Intercept {
	case InterceptSSLStrip:
		return ports.SSLStrip(c.SSLStripPort)
	case InterceptMITMProxy:
		return ports.MITMProxy(c.MITMProxyPort)
	}
	return nil
}
