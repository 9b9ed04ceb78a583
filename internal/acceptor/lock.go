package acceptor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock on a file shared by every acceptor of
// a pool. Each acceptor opens the file itself, so the lock excludes
// goroutines of one process as well as separate processes.
type Lock struct {
	f *os.File
}

func OpenLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open accept lock: %w", err)
	}
	return &Lock{f: f}, nil
}

func (l *Lock) Lock() error {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("accept lock: %w", err)
		}
		return nil
	}
}

// TryLock acquires the lock only if it is free.
func (l *Lock) TryLock() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch err {
	case nil:
		return true, nil
	case unix.EWOULDBLOCK:
		return false, nil
	default:
		return false, fmt.Errorf("accept trylock: %w", err)
	}
}

func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("accept unlock: %w", err)
	}
	return nil
}

func (l *Lock) Close() error {
	return l.f.Close()
}
