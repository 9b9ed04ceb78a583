package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/die-net/spindle/internal/conn"
)

const echoRecvSize = 64 * 1024

// EchoWork writes every byte it receives back to the client.
type EchoWork struct {
	id      string
	client  *conn.Connection
	timeout time.Duration
	last    time.Time
}

// NewEchoFactory returns a Factory producing EchoWork units that are
// considered inactive after timeout without traffic. A zero timeout never
// expires.
func NewEchoFactory(timeout time.Duration) Factory {
	return func(client *conn.Connection) (Work, error) {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, err
		}
		return &EchoWork{id: id, client: client, timeout: timeout}, nil
	}
}

func (w *EchoWork) ID() string { return w.id }

func (w *EchoWork) Initialize(context.Context) error {
	w.last = time.Now()
	return nil
}

func (w *EchoWork) Events() map[int]Interest {
	in := Readable
	if w.client.HasBuffer() {
		in |= Writable
	}
	return map[int]Interest{w.client.Fd(): in}
}

func (w *EchoWork) HandleEvents(_ context.Context, readable, writable []int) (bool, error) {
	if len(writable) > 0 {
		if _, err := w.client.Flush(0); err != nil {
			return true, err
		}
	}
	if len(readable) > 0 {
		data, err := w.client.Recv(echoRecvSize)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return true, err
		}
		if len(data) > 0 {
			w.last = time.Now()
			w.client.Queue(data)
		}
	}
	return false, nil
}

func (w *EchoWork) IsInactive() bool {
	return w.timeout > 0 && !w.client.HasBuffer() && time.Since(w.last) > w.timeout
}

func (w *EchoWork) Shutdown() {
	_ = w.client.Close()
}
