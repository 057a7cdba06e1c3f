package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) (*Daemon, *bytes.Buffer) {
	t.Helper()
	d := NewDaemon(filepath.Join(t.TempDir(), "config.yaml"))
	out := &bytes.Buffer{}
	d.Out = out
	return d, out
}

func TestNewDaemonPaths(t *testing.T) {
	d := NewDaemon("/etc/certify/config.yaml")
	assert.Equal(t, "/etc/certify/certify.pid", d.PidFile)
	assert.Equal(t, "/etc/certify/certify.log", d.LogFile)
}

func TestIsRunning(t *testing.T) {
	d, _ := newTestDaemon(t)

	_, running := d.IsRunning()
	assert.False(t, running, "没有 PID 文件")

	require.NoError(t, os.WriteFile(d.PidFile, []byte("abc"), 0o644))
	_, running = d.IsRunning()
	assert.False(t, running, "PID 无法解析")

	require.NoError(t, d.WritePid())
	pid, running := d.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	d.RemovePid()
	_, err := os.Stat(d.PidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestStopWhenNotRunning(t *testing.T) {
	d, _ := newTestDaemon(t)
	assert.ErrorIs(t, d.Stop(context.Background()), ErrNotRunning)
}

func TestStatus(t *testing.T) {
	d, out := newTestDaemon(t)
	d.Status()
	assert.Contains(t, out.String(), "守护进程未运行")

	out.Reset()
	require.NoError(t, os.WriteFile(d.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
	d.Status()
	assert.Contains(t, out.String(), "守护进程运行中")
}

func TestIsDaemonized(t *testing.T) {
	t.Setenv(EnvDaemonized, "")
	assert.False(t, IsDaemonized())
	t.Setenv(EnvDaemonized, "1")
	assert.True(t, IsDaemonized())
}
