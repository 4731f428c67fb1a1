package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/netcfg/netcfgtest"
	"github.com/vulnverified/hstsbypass/pkg/ports"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestManager_RunExactlyOnce(t *testing.T) {
	m := New(quietLog())
	var calls atomic.Int32
	boom := errors.New("restore failed")
	m.Register("network", func(ctx context.Context) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return boom
	})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Run(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Run")
	}
}

func TestManager_ReverseOrderAndCancelledContext(t *testing.T) {
	m := New(quietLog())
	var order []string
	for _, name := range []string{"browser", "network", "tools"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			order = append(order, name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []string{"tools", "network", "browser"}, order)

	m.Register("late", func(context.Context) error {
		order = append(order, "late")
		return nil
	})
	require.NoError(t, m.Run(context.Background()))
	assert.Len(t, order, 3)
}

func TestManager_HandleSignals(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cannot signal self on windows")
	}
	m := New(quietLog())
	defer m.Stop()

	var ran atomic.Int32
	m.Register("session", func(context.Context) error {
		ran.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.HandleSignals(cancel)

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(os.Interrupt))
	require.NoError(t, self.Signal(os.Interrupt))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled on interrupt")
	}
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run on interrupt")
	}
	assert.Equal(t, int32(1), ran.Load())
}

func TestRemediate_RecoversCrashedSession(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	fwd := filepath.Join(work, "ip_forward")
	require.NoError(t, os.WriteFile(fwd, []byte("0\n"), 0o644))

	fake := netcfgtest.New()

	// A run that crashed after configuring the network.
	crashed := netcfg.NewManager(netcfg.WithRunner(fake), netcfg.WithForwardingPath(fwd),
		netcfg.WithChain("HSTSB_100"), netcfg.WithStateFile(StateFile(work)), netcfg.WithLogger(quietLog()))
	cfg, err := crashed.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, crashed.EnableIPForwarding(ctx, cfg))
	require.NoError(t, crashed.ApplyRedirectRules(ctx, cfg, "eth0", ports.SSLStrip(10000)))

	// An older run that left a chain without any state file.
	for _, args := range [][]string{
		{"-t", "nat", "-N", "HSTSB_7"},
		{"-t", "nat", "-I", "PREROUTING", "1", "-j", "HSTSB_7"},
	} {
		_, err := fake.Run(ctx, "iptables", args...)
		require.NoError(t, err)
	}

	mgr := netcfg.NewManager(netcfg.WithRunner(fake), netcfg.WithForwardingPath(fwd), netcfg.WithLogger(quietLog()))
	actions, err := Remediate(ctx, Remediation{Net: mgr, WorkDir: work, ResetForwarding: true, Log: quietLog()})
	require.NoError(t, err)

	joined := strings.Join(actions, "\n")
	assert.Contains(t, joined, "restored network snapshot "+cfg.ID)
	assert.Contains(t, joined, "HSTSB_7")
	assert.NotContains(t, joined, "disabled ip forwarding", "forwarding came back from the snapshot")

	assert.False(t, fake.HasChain("HSTSB_100"))
	assert.False(t, fake.HasChain("HSTSB_7"))
	assert.Empty(t, fake.Rules("PREROUTING"))

	b, err := os.ReadFile(fwd)
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(string(b)))
	assert.NoFileExists(t, StateFile(work))
}

func TestRemediate_ResetForwardingWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	fwd := filepath.Join(work, "ip_forward")
	require.NoError(t, os.WriteFile(fwd, []byte("1\n"), 0o644))

	mgr := netcfg.NewManager(netcfg.WithRunner(netcfgtest.New()), netcfg.WithForwardingPath(fwd), netcfg.WithLogger(quietLog()))
	actions, err := Remediate(ctx, Remediation{Net: mgr, WorkDir: work, ResetForwarding: true, Log: quietLog()})
	require.NoError(t, err)
	assert.Equal(t, []string{"disabled ip forwarding"}, actions)

	b, err := os.ReadFile(fwd)
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(string(b)))
}
