package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Bridge exposes c as a pollable Socket. It creates a socketpair, returns
// the local end, and copies between c and the remote end until either side
// closes. If handshake is non-nil it runs before any bytes are copied, and a
// handshake failure closes both ends.
func Bridge(c net.Conn, handshake func(context.Context) error) (Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge socketpair: %w", err)
	}

	local, err := NewFdSocket(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}

	f := os.NewFile(uintptr(fds[1]), "bridge")
	remote, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("bridge file conn: %w", err)
	}

	go func() {
		if handshake != nil {
			if err := handshake(context.Background()); err != nil {
				_ = c.Close()
				_ = remote.Close()
				return
			}
		}
		_ = CopyBidirectional(context.Background(), c, remote)
	}()

	return local, nil
}

// CopyBidirectional copies between left and right until one direction ends
// or ctx is canceled, then closes both.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	copyHalf := func(dst, src net.Conn) func() error {
		return func() error {
			_, err := io.Copy(dst, src)
			closeBoth()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
	g.Go(copyHalf(left, right))
	g.Go(copyHalf(right, left))

	go func() {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	err := g.Wait()
	close(done)
	return err
}
