// Package netcfg applies and reverts the host network state an interception
// session depends on: IPv4 forwarding and NAT redirect rules.
//
// All rules live in a dedicated nat chain named after the owning process
// (HSTSB_<pid>) reached through a single PREROUTING jump, so restoring a
// session never touches rules it did not add.
package netcfg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnverified/hstsbypass/pkg/ports"
	"go.uber.org/multierr"
)

const (
	// ChainPrefix prefixes every nat chain created by this tool.
	ChainPrefix = "HSTSB_"

	// DefaultForwardingPath is the Linux IPv4 forwarding switch.
	DefaultForwardingPath = "/proc/sys/net/ipv4/ip_forward"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Rule is one iptables rule appended by a session.
type Rule struct {
	Table string   `json:"table"`
	Chain string   `json:"chain"`
	Args  []string `json:"args"`
}

func (r Rule) String() string {
	return fmt.Sprintf("-t %s -A %s %s", r.Table, r.Chain, strings.Join(r.Args, " "))
}

// NetworkConfig captures the pre-session network state and every change a
// session made on top of it. It is created by Snapshot and consumed by Restore.
type NetworkConfig struct {
	ID                string    `json:"id"`
	Chain             string    `json:"chain"`
	ForwardingBefore  string    `json:"forwarding_before"`
	ForwardingChanged bool      `json:"forwarding_changed"`
	FirewallTouched   bool      `json:"firewall_touched"`
	ChainCreated      bool      `json:"chain_created"`
	JumpInstalled     bool      `json:"jump_installed"`
	Rules             []Rule    `json:"rules,omitempty"`
	NATSnapshot       string    `json:"nat_snapshot,omitempty"`
	TakenAt           time.Time `json:"taken_at"`

	restored bool
}

// Restored reports whether Restore completed for this config.
func (c *NetworkConfig) Restored() bool {
	return c.restored
}

// Manager is the NetworkConfigManager. It is safe for concurrent use; every
// mutation is serialized on an internal mutex.
type Manager struct {
	runner         Runner
	iptables       string
	iptablesSave   string
	forwardingPath string
	chain          string
	stateFile      string
	log            *logrus.Entry

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option { return func(m *Manager) { m.runner = r } }

// WithIPTables sets the iptables and iptables-save executables.
func WithIPTables(iptables, iptablesSave string) Option {
	return func(m *Manager) {
		if iptables != "" {
			m.iptables = iptables
		}
		if iptablesSave != "" {
			m.iptablesSave = iptablesSave
		}
	}
}

// WithForwardingPath overrides the forwarding switch location.
func WithForwardingPath(path string) Option { return func(m *Manager) { m.forwardingPath = path } }

// WithChain overrides the session chain name.
func WithChain(name string) Option { return func(m *Manager) { m.chain = name } }

// WithStateFile persists every NetworkConfig change to path so a later
// cleanup run can restore state after a crash.
func WithStateFile(path string) Option { return func(m *Manager) { m.stateFile = path } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option { return func(m *Manager) { m.log = l } }

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		runner:         ExecRunner{},
		iptables:       "iptables",
		iptablesSave:   "iptables-save",
		forwardingPath: DefaultForwardingPath,
		chain:          ChainPrefix + strconv.Itoa(os.Getpid()),
		log:            logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Snapshot records the current forwarding flag and nat table.
func (m *Manager) Snapshot(ctx context.Context) (*NetworkConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fwd, err := m.readForwarding()
	if err != nil {
		return nil, err
	}

	cfg := &NetworkConfig{
		ID:               uuid.NewString(),
		Chain:            m.chain,
		ForwardingBefore: fwd,
		TakenAt:          time.Now(),
	}

	if out, err := m.runner.Run(ctx, m.iptablesSave, "-t", "nat"); err == nil {
		cfg.NATSnapshot = string(out)
	} else {
		m.log.WithError(err).Debug("nat table snapshot unavailable")
	}

	m.log.WithFields(logrus.Fields{"snapshot": cfg.ID, "ip_forward": fwd}).Info("network state captured")
	m.persist(cfg)
	return cfg, nil
}

// EnableIPForwarding turns IPv4 forwarding on, recording the change in cfg.
func (m *Manager) EnableIPForwarding(ctx context.Context, cfg *NetworkConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := m.readForwarding()
	if err != nil {
		return err
	}
	if cur == "1" {
		m.log.Debug("ip forwarding already enabled")
		return nil
	}
	if err := m.writeForwarding("1"); err != nil {
		return err
	}
	cfg.ForwardingChanged = true
	m.persist(cfg)
	m.log.Info("ip forwarding enabled")
	return nil
}

// ApplyRedirectRules adds a REDIRECT rule per mapping to the session chain and
// hooks the chain into PREROUTING. Existing rules are left untouched.
func (m *Manager) ApplyRedirectRules(ctx context.Context, cfg *NetworkConfig, iface string, redirects []ports.Redirect) error {
	if len(redirects) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cfg.FirewallTouched = true
	if !cfg.ChainCreated {
		if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-N", cfg.Chain); err != nil {
			m.persist(cfg)
			return fmt.Errorf("create chain %s: %w", cfg.Chain, err)
		}
		cfg.ChainCreated = true
		m.persist(cfg)
	}

	for _, r := range redirects {
		var args []string
		if iface != "" {
			args = append(args, "-i", iface)
		}
		args = append(args, "-p", r.Proto, "--dport", strconv.Itoa(r.From),
			"-j", "REDIRECT", "--to-ports", strconv.Itoa(r.To))

		full := append([]string{"-t", "nat", "-A", cfg.Chain}, args...)
		if _, err := m.runner.Run(ctx, m.iptables, full...); err != nil {
			return fmt.Errorf("add redirect %s: %w", r, err)
		}
		cfg.Rules = append(cfg.Rules, Rule{Table: "nat", Chain: cfg.Chain, Args: args})
		m.persist(cfg)
	}

	if !cfg.JumpInstalled {
		if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-I", "PREROUTING", "1", "-j", cfg.Chain); err != nil {
			return fmt.Errorf("hook chain %s into PREROUTING: %w", cfg.Chain, err)
		}
		cfg.JumpInstalled = true
		m.persist(cfg)
	}

	m.log.WithFields(logrus.Fields{"chain": cfg.Chain, "rules": len(cfg.Rules)}).Info("redirect rules applied")
	return nil
}

// Restore reverts every change recorded in cfg. Calling it again after a
// successful restore is a no-op. On partial failure it returns a
// *RestoreError and a later call retries only the remaining steps.
func (m *Manager) Restore(ctx context.Context, cfg *NetworkConfig) error {
	if cfg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.restored {
		return nil
	}

	// Restoration must run even when the session context was cancelled.
	ctx = context.WithoutCancel(ctx)

	var (
		errs     error
		residual []string
	)

	if cfg.JumpInstalled {
		if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-D", "PREROUTING", "-j", cfg.Chain); err != nil && m.jumpExists(ctx, cfg.Chain) {
			errs = multierr.Append(errs, fmt.Errorf("remove PREROUTING jump: %w", err))
			residual = append(residual, fmt.Sprintf("nat PREROUTING rule '-j %s'", cfg.Chain))
		} else {
			cfg.JumpInstalled = false
		}
	}

	if cfg.ChainCreated && !cfg.JumpInstalled {
		if err := m.dropChain(ctx, cfg.Chain); err != nil {
			errs = multierr.Append(errs, err)
			residual = append(residual, fmt.Sprintf("nat chain %s (%d rules)", cfg.Chain, len(cfg.Rules)))
		} else {
			cfg.ChainCreated = false
			cfg.Rules = nil
		}
	}

	if cfg.ForwardingChanged {
		if err := m.writeForwarding(cfg.ForwardingBefore); err != nil {
			errs = multierr.Append(errs, err)
			residual = append(residual, fmt.Sprintf("net.ipv4.ip_forward=1 (was %s)", cfg.ForwardingBefore))
		} else {
			cfg.ForwardingChanged = false
		}
	}

	if errs != nil {
		m.persist(cfg)
		m.log.WithField("residual", residual).Error("network restore incomplete")
		return &RestoreError{Residual: residual, Err: errs}
	}

	cfg.restored = true
	if m.stateFile != "" {
		if err := os.Remove(m.stateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.WithError(err).Warn("could not remove network state file")
		}
	}
	m.log.WithField("snapshot", cfg.ID).Info("network state restored")
	return nil
}

// Verify compares the live state with the pre-session snapshot and returns a
// *RestoreError naming every difference.
func (m *Manager) Verify(ctx context.Context, cfg *NetworkConfig) error {
	if cfg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var residual []string

	cur, err := m.readForwarding()
	if err != nil {
		return &RestoreError{Residual: []string{"net.ipv4.ip_forward unreadable"}, Err: err}
	}
	if cur != cfg.ForwardingBefore {
		residual = append(residual, fmt.Sprintf("net.ipv4.ip_forward=%s (was %s)", cur, cfg.ForwardingBefore))
	}

	if cfg.FirewallTouched {
		if m.jumpExists(ctx, cfg.Chain) {
			residual = append(residual, fmt.Sprintf("nat PREROUTING rule '-j %s'", cfg.Chain))
		}
		if m.chainExists(ctx, cfg.Chain) {
			residual = append(residual, fmt.Sprintf("nat chain %s", cfg.Chain))
		}
	}

	if len(residual) > 0 {
		return &RestoreError{Residual: residual, Err: errors.New("live state differs from snapshot")}
	}
	return nil
}

// Purge removes every nat chain carrying ChainPrefix together with its
// PREROUTING jumps, and returns a description of each removal. It is the
// manual fallback for sessions that never reached Restore.
func (m *Manager) Purge(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-S")
	if err != nil {
		return nil, fmt.Errorf("list nat rules: %w", err)
	}

	var (
		chains  []string
		removed []string
		errs    error
	)
	jumps := make(map[string]int)
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		switch {
		case len(f) == 2 && f[0] == "-N" && strings.HasPrefix(f[1], ChainPrefix):
			chains = append(chains, f[1])
		case len(f) >= 4 && f[0] == "-A" && f[1] == "PREROUTING" && f[len(f)-2] == "-j" && strings.HasPrefix(f[len(f)-1], ChainPrefix):
			jumps[f[len(f)-1]]++
		}
	}

	for _, chain := range chains {
		for i := 0; i < jumps[chain]; i++ {
			if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-D", "PREROUTING", "-j", chain); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed = append(removed, "nat PREROUTING jump to "+chain)
		}
		if err := m.dropChain(ctx, chain); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, "nat chain "+chain)
	}
	return removed, errs
}

// SetForwarding writes the forwarding flag. It is used by cleanup when no
// snapshot survived.
func (m *Manager) SetForwarding(value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeForwarding(value)
}

func (m *Manager) dropChain(ctx context.Context, chain string) error {
	if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-F", chain); err != nil && m.chainExists(ctx, chain) {
		return fmt.Errorf("flush chain %s: %w", chain, err)
	}
	if _, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-X", chain); err != nil && m.chainExists(ctx, chain) {
		return fmt.Errorf("delete chain %s: %w", chain, err)
	}
	return nil
}

func (m *Manager) chainExists(ctx context.Context, chain string) bool {
	_, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-S", chain)
	return err == nil
}

func (m *Manager) jumpExists(ctx context.Context, chain string) bool {
	_, err := m.runner.Run(ctx, m.iptables, "-t", "nat", "-C", "PREROUTING", "-j", chain)
	return err == nil
}

func (m *Manager) readForwarding() (string, error) {
	b, err := os.ReadFile(m.forwardingPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", m.forwardingPath, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (m *Manager) writeForwarding(v string) error {
	if err := os.WriteFile(m.forwardingPath, []byte(v+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", m.forwardingPath, err)
	}
	return nil
}

func (m *Manager) persist(cfg *NetworkConfig) {
	if m.stateFile == "" {
		return
	}
	if err := SaveState(m.stateFile, cfg); err != nil {
		m.log.WithError(err).Warn("could not persist network state")
	}
}
