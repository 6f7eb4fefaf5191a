package testutils

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FreePort reserves an ephemeral TCP port on host and returns its number.
// The listener is closed before returning, so the port stays free only as
// long as nothing else grabs it.
func FreePort(t *testing.T, host string) int {
	t.Helper()

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	require.NoError(t, err, "Setup: failed to reserve a port")
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok, "Setup: expected a TCP address")
	return addr.Port
}

// PortOpen reports whether something accepts TCP connections on host:port.
func PortOpen(t *testing.T, host string, port int) bool {
	t.Helper()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 0)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForPortClosed polls host:port until nothing listens on it anymore,
// failing the test once timeout expires.
func WaitForPortClosed(t *testing.T, host string, port int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PortOpen(t, host, port) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Fail(t, "Timeout waiting for port to close", "host: %s, port: %d", host, port)
}
