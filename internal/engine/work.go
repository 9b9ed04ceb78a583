package engine

import (
	"context"

	"github.com/die-net/spindle/internal/conn"
)

// Interest is the readiness a Work wants for one descriptor.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Work is one unit of connection handling owned by a single Engine. All
// methods are called from the engine goroutine.
type Work interface {
	// ID is unique for the lifetime of the process.
	ID() string

	Initialize(ctx context.Context) error

	// Events returns the descriptors to wait on this tick. A Work with
	// pending output should ask for Writable.
	Events() map[int]Interest

	// HandleEvents is called with the descriptors from Events that became
	// ready. Returning true, or an error, tears the work down.
	HandleEvents(ctx context.Context, readable, writable []int) (teardown bool, err error)

	IsInactive() bool

	// Shutdown releases the work's connections. It is called exactly once.
	Shutdown()
}

// Factory wraps a freshly accepted client connection.
type Factory func(client *conn.Connection) (Work, error)
