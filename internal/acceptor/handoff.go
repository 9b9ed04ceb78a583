package acceptor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var errNoDescriptor = errors.New("control message carried no descriptor")

// SendFd passes fd over the unix socket control. The receiver gets its own
// duplicate; the sender keeps fd.
func SendFd(control, fd int) error {
	if err := unix.Sendmsg(control, []byte{'f'}, unix.UnixRights(fd), nil, 0); err != nil {
		return fmt.Errorf("send fd %d: %w", fd, err)
	}
	return nil
}

// RecvFd blocks until a descriptor arrives on control.
func RecvFd(control int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(control, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("recv fd: %w", err)
		}
		if n == 0 && oobn == 0 {
			return -1, fmt.Errorf("recv fd: %w", unix.ECONNRESET)
		}

		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return -1, fmt.Errorf("recv fd: parse control message: %w", err)
		}
		for i := range msgs {
			fds, err := unix.ParseUnixRights(&msgs[i])
			if err != nil {
				continue
			}
			for _, extra := range fds[1:] {
				_ = unix.Close(extra)
			}
			if len(fds) > 0 {
				return fds[0], nil
			}
		}
		return -1, fmt.Errorf("recv fd: %w", errNoDescriptor)
	}
}
