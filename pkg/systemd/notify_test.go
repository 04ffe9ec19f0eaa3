package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logx "statpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readState(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotifierSendsStates(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(logx.Nop())

	require.True(t, n.Ready())
	require.Equal(t, "READY=1", readState(t, conn))
	require.True(t, n.Status("7 schedules"))
	require.Equal(t, "STATUS=7 schedules", readState(t, conn))
	require.True(t, n.Stopping())
	require.Equal(t, "STOPPING=1", readState(t, conn))
}

func TestNotifierNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(logx.Logger{})
	require.False(t, n.Ready())
}

func TestWatchdogPings(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "40000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewNotifier(logx.Nop()).Watchdog(ctx) }()

	require.Equal(t, "WATCHDOG=1", readState(t, conn))
	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	require.NoError(t, NewNotifier(logx.Nop()).Watchdog(context.Background()))
}
