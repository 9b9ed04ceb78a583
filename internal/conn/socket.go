package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by a Socket when a non-blocking read or write
// cannot make progress yet.
var ErrWouldBlock = errors.New("operation would block")

// Socket is a non-blocking byte stream backed by a pollable descriptor.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// FdSocket is a Socket over a raw non-blocking file descriptor.
type FdSocket struct {
	fd int
}

// NewFdSocket takes ownership of fd and puts it in non-blocking mode.
func NewFdSocket(fd int) (*FdSocket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock fd %d: %w", fd, err)
	}
	return &FdSocket{fd: fd}, nil
}

func (s *FdSocket) Fd() int { return s.fd }

func (s *FdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write uses MSG_NOSIGNAL so a peer reset surfaces as EPIPE rather than a
// signal.
func (s *FdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *FdSocket) Close() error {
	return unix.Close(s.fd)
}

// NetConn returns a blocking net.Conn sharing the socket. The FdSocket stays
// open and must still be closed by its owner.
func (s *FdSocket) NetConn() (net.Conn, error) {
	dup, err := unix.Dup(s.fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %w", s.fd, err)
	}
	unix.CloseOnExec(dup)

	f := os.NewFile(uintptr(dup), "socket")
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file conn fd %d: %w", s.fd, err)
	}
	return c, nil
}

// FromNetConn converts an established net.Conn into a Socket. Connections
// exposing a descriptor are duplicated and c is closed; anything else (TLS,
// tunnelled streams) is bridged through a socketpair.
func FromNetConn(c net.Conn) (Socket, error) {
	if sc, ok := c.(syscall.Conn); ok {
		if fd, err := dupConn(sc); err == nil {
			_ = c.Close()
			return NewFdSocket(fd)
		}
	}
	return Bridge(c, nil)
}

func dupConn(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	dup := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}

	unix.CloseOnExec(dup)
	return dup, nil
}
