package testutil

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// SocketPair returns a connected pair of non-blocking stream descriptors.
// The caller owns both.
func SocketPair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

// PeerConn returns one descriptor of a socketpair plus a blocking net.Conn
// for the other end, so a test can play the remote peer. The caller owns the
// descriptor; the net.Conn is closed at test cleanup.
func PeerConn(t *testing.T) (int, net.Conn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}

	f := os.NewFile(uintptr(fds[1]), "peer")
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		_ = unix.Close(fds[0])
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return fds[0], c
}
