package engine

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
)

// SystemChecks verifies the host can run an interception session. Each
// probe is a field so tests can substitute it.
type SystemChecks struct {
	GOOS           string
	Euid           func() int
	LookPath       func(file string) (string, error)
	InterfaceAddrs func(name string) ([]net.Addr, error)
}

// DefaultChecks probes the running host.
func DefaultChecks() SystemChecks {
	return SystemChecks{
		GOOS:           runtime.GOOS,
		Euid:           os.Geteuid,
		LookPath:       exec.LookPath,
		InterfaceAddrs: interfaceAddrs,
	}
}

// Check implements PreconditionChecker. All failures are collected so the
// operator sees every problem at once.
func (c SystemChecks) Check(cfg Config) error {
	var reasons []string

	if c.GOOS != "linux" {
		// Nothing else is meaningful off Linux.
		return &PreconditionError{Reasons: []string{fmt.Sprintf("interception requires Linux, running on %s", c.GOOS)}}
	}
	if c.Euid() != 0 {
		reasons = append(reasons, "interception requires root privileges")
	}

	cfg.applyDefaults()
	for _, tool := range cfg.requiredTools() {
		if _, err := c.LookPath(tool); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s not found on PATH", tool))
		}
	}

	addrs, err := c.InterfaceAddrs(cfg.Interface)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("interface %s: %v", cfg.Interface, err))
	} else if cfg.Gateway != nil && !onSubnet(addrs, cfg.Gateway) {
		reasons = append(reasons, fmt.Sprintf("gateway %s is not on a subnet of %s", cfg.Gateway, cfg.Interface))
	}

	if len(reasons) > 0 {
		return &PreconditionError{Reasons: reasons}
	}
	return nil
}

func onSubnet(addrs []net.Addr, ip net.IP) bool {
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.Contains(ip) {
			return true
		}
	}
	return false
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.Addrs()
}

// InterfaceIPv4 returns the first IPv4 address bound to the named interface.
func InterfaceIPv4(name string) (net.IP, error) {
	addrs, err := interfaceAddrs(name)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			if ip4 := n.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("no IPv4 address on %s", name)
}
