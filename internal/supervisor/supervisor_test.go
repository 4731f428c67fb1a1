package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestSupervisor_LaunchAndTerminate(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))

	h, err := s.Launch(context.Background(), ToolSpec{
		Name:        "sleeper",
		Path:        writeScript(t, "sleeper", "exec sleep 30"),
		StartupWait: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, s.IsAlive(h))
	assert.Len(t, s.Handles(), 1)

	require.NoError(t, s.Terminate(h, time.Second))
	assert.False(t, s.IsAlive(h))
	assert.Empty(t, s.Handles())
	assert.Equal(t, 1, h.TerminationSeq())

	// Second terminate is a no-op.
	assert.NoError(t, s.Terminate(h, time.Second))
	assert.Equal(t, 1, h.TerminationSeq())
}

func TestSupervisor_StartupFailure(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))

	h, err := s.Launch(context.Background(), ToolSpec{
		Name:        "broken",
		Path:        writeScript(t, "broken", "echo 'bind failed' >&2\nexit 3"),
		StartupWait: 2 * time.Second,
	})
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrToolFailure)
	assert.ErrorIs(t, err, ErrExitedDuringStartup)

	var tf *ToolFailureError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, 3, tf.ExitCode)
	assert.Contains(t, tf.Stderr, "bind failed")
	assert.Empty(t, s.Handles())
}

func TestSupervisor_NotFound(t *testing.T) {
	s := New(WithLogger(quietLogger()))
	_, err := s.Launch(context.Background(), ToolSpec{Name: "hstsb-no-such-tool"})
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.ErrorIs(t, err, ErrToolFailure)
}

func TestSupervisor_CancelledContext(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Launch(ctx, ToolSpec{Name: "sleeper", Path: writeScript(t, "sleeper", "exec sleep 30")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Handles())
}

func TestSupervisor_KillAfterGrace(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))

	h, err := s.Launch(context.Background(), ToolSpec{
		Name:        "stubborn",
		Path:        writeScript(t, "stubborn", "trap '' TERM\nwhile true; do sleep 0.1; done"),
		StartupWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Terminate(h, 300*time.Millisecond))
	assert.False(t, h.Alive())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSupervisor_TerminateAllReverseOrder(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))
	script := writeScript(t, "sleeper", "exec sleep 30")

	var handles []*Handle
	for _, name := range []string{"arpspoof", "dnsspoof", "sslstrip"} {
		h, err := s.Launch(context.Background(), ToolSpec{Name: name, Path: script})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, s.TerminateAll(time.Second))
	assert.Equal(t, 3, handles[0].TerminationSeq())
	assert.Equal(t, 2, handles[1].TerminationSeq())
	assert.Equal(t, 1, handles[2].TerminationSeq())
	for _, h := range handles {
		assert.False(t, h.Alive())
	}
}

func TestSupervisor_UnexpectedExitEvent(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))
	s.Watch(true)

	h, err := s.Launch(context.Background(), ToolSpec{
		Name:          "sslstrip",
		Path:          writeScript(t, "sslstrip", "sleep 0.3\necho 'crashed' >&2\nexit 7"),
		AlwaysRunning: true,
	})
	require.NoError(t, err)

	select {
	case ev := <-s.Events():
		assert.Same(t, h, ev.Handle)
		assert.Equal(t, 7, ev.ExitCode)
		assert.ErrorIs(t, ev.Err, ErrUnexpectedExit)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
}

func TestSupervisor_NoEventWhenTerminated(t *testing.T) {
	skipWindows(t)
	s := New(WithLogger(quietLogger()))
	s.Watch(true)

	h, err := s.Launch(context.Background(), ToolSpec{
		Name:          "arpspoof",
		Path:          writeScript(t, "arpspoof", "exec sleep 30"),
		AlwaysRunning: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Terminate(h, time.Second))

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event for %s", ev.Handle)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSupervisor_PIDFiles(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()
	s := New(WithLogger(quietLogger()), WithPIDDir(dir))

	h, err := s.Launch(context.Background(), ToolSpec{Name: "sleeper", Path: writeScript(t, "sleeper", "exec sleep 30")})
	require.NoError(t, err)

	pidFile := filepath.Join(dir, "sleeper-"+strconv.Itoa(h.PID)+".pid")
	assert.FileExists(t, pidFile)

	require.NoError(t, s.Terminate(h, time.Second))
	assert.NoFileExists(t, pidFile)
}

func TestReapOrphans(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	go cmd.Wait()

	pidFile := filepath.Join(dir, "arpspoof-"+strconv.Itoa(cmd.Process.Pid)+".pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.pid"), []byte("nope"), 0o600))

	reaped, err := ReapOrphans(dir, time.Second)
	require.NoError(t, err)
	assert.Len(t, reaped, 1)
	assert.NoFileExists(t, pidFile)
	assert.NoFileExists(t, filepath.Join(dir, "garbage.pid"))
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(2)
	b.Write([]byte("one\ntwo\nthr"))
	b.Write([]byte("ee\nfour"))
	assert.Equal(t, "two\nthree\nfour", b.String())
}
