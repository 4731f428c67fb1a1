package netcfg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRestoreFailed marks a teardown that left network state behind.
var ErrRestoreFailed = errors.New("network config restore failed")

// RestoreError lists the exact state that could not be reverted so an
// operator can remediate it by hand.
type RestoreError struct {
	Residual []string
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("%s: residual state [%s]: %v", ErrRestoreFailed, strings.Join(e.Residual, "; "), e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRestoreFailed) match.
func (e *RestoreError) Is(target error) bool { return target == ErrRestoreFailed }

// Remediation returns shell commands that revert the residual state of cfg.
func Remediation(cfg *NetworkConfig) []string {
	if cfg == nil {
		return nil
	}
	var cmds []string
	if cfg.JumpInstalled {
		cmds = append(cmds, fmt.Sprintf("iptables -t nat -D PREROUTING -j %s", cfg.Chain))
	}
	if cfg.ChainCreated {
		cmds = append(cmds,
			fmt.Sprintf("iptables -t nat -F %s", cfg.Chain),
			fmt.Sprintf("iptables -t nat -X %s", cfg.Chain))
	}
	if cfg.ForwardingChanged {
		cmds = append(cmds, fmt.Sprintf("sysctl -w net.ipv4.ip_forward=%s", cfg.ForwardingBefore))
	}
	return cmds
}
