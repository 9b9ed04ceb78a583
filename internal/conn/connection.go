package conn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/die-net/spindle/internal/ratelimit"
)

// DefaultMaxSendSize caps a single Flush when the caller passes no limit.
const DefaultMaxSendSize = 64 * 1024

// ErrClosed is returned when operating on a closed Connection.
var ErrClosed = errors.New("connection closed")

// Tag identifies which side of a proxied exchange a Connection faces.
type Tag int

const (
	TagClient Tag = iota
	TagServer
)

func (t Tag) String() string {
	switch t {
	case TagClient:
		return "client"
	case TagServer:
		return "server"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

type chunk struct {
	b []byte
}

// Connection is a buffered, optionally rate-limited stream over a Socket.
// Outbound chunks are sent in queue order; a Connection is not safe for
// concurrent use and belongs to the engine driving it.
type Connection struct {
	tag  Tag
	sock Socket
	addr string

	pending  *queue.Queue
	buffered int

	closed   bool
	reusable bool

	flushLimiter *ratelimit.Bucket
	recvLimiter  *ratelimit.Bucket

	logger hclog.Logger
}

// Option configures a Connection.
type Option func(*Connection)

// WithAddr records the peer address for logging and pooling.
func WithAddr(addr string) Option {
	return func(c *Connection) { c.addr = addr }
}

// WithFlushLimiter throttles Flush through b.
func WithFlushLimiter(b *ratelimit.Bucket) Option {
	return func(c *Connection) { c.flushLimiter = b }
}

// WithRecvLimiter throttles Recv through b.
func WithRecvLimiter(b *ratelimit.Bucket) Option {
	return func(c *Connection) { c.recvLimiter = b }
}

// WithLogger sets the logger used for trace output.
func WithLogger(l hclog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// New wraps sock. The Connection owns sock from here on.
func New(tag Tag, sock Socket, opts ...Option) *Connection {
	c := &Connection{
		tag:     tag,
		sock:    sock,
		pending: queue.New(),
		logger:  hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connection) Tag() Tag { return c.tag }

func (c *Connection) Addr() string { return c.addr }

func (c *Connection) Fd() int { return c.sock.Fd() }

func (c *Connection) Socket() Socket { return c.sock }

func (c *Connection) Closed() bool { return c.closed }

func (c *Connection) IsReusable() bool { return c.reusable }

// HasBuffer reports whether outbound bytes are pending.
func (c *Connection) HasBuffer() bool { return c.pending.Length() > 0 }

// BufferSize returns the number of pending outbound bytes.
func (c *Connection) BufferSize() int { return c.buffered }

// Recv reads at most max bytes. It returns (nil, io.EOF) once the peer has
// closed, and an empty non-nil slice when throttled or when the socket has
// nothing to read right now.
func (c *Connection) Recv(max int) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}

	allowed := c.recvLimiter.Consume(min(max, recvScratchSize))
	if allowed == 0 {
		return []byte{}, nil
	}

	scratch := recvBuffers.Get()
	defer recvBuffers.Put(scratch)

	n, err := c.sock.Read(scratch[:allowed])
	c.recvLimiter.Release(allowed - n)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return []byte{}, nil
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed", "tag", c.tag, "addr", c.addr)
		return nil, io.EOF
	case err != nil:
		return nil, fmt.Errorf("recv %s %s: %w", c.tag, c.addr, err)
	}

	c.logger.Trace("received", "tag", c.tag, "addr", c.addr, "bytes", n)
	return append([]byte(nil), scratch[:n]...), nil
}

// Queue appends b to the outbound queue. Empty chunks are dropped.
func (c *Connection) Queue(b []byte) {
	if len(b) == 0 {
		return
	}
	c.pending.Add(&chunk{b: b})
	c.buffered += len(b)
}

// Flush sends at most maxSize bytes of the head chunk. It never coalesces
// chunks. A would-block send returns 0 with the chunk untouched.
func (c *Connection) Flush(maxSize int) (int, error) {
	if c.pending.Length() == 0 {
		return 0, nil
	}
	if c.closed {
		return 0, ErrClosed
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSendSize
	}

	head := c.pending.Peek().(*chunk)
	allowed := c.flushLimiter.Consume(min(len(head.b), maxSize))
	if allowed == 0 {
		return 0, nil
	}

	sent, err := c.sock.Write(head.b[:allowed])
	if errors.Is(err, ErrWouldBlock) {
		c.flushLimiter.Release(allowed)
		return 0, nil
	}
	if err != nil {
		c.flushLimiter.Release(allowed)
		return 0, fmt.Errorf("flush %s %s: %w", c.tag, c.addr, err)
	}
	c.flushLimiter.Release(allowed - sent)

	c.buffered -= sent
	if sent == len(head.b) {
		c.pending.Remove()
	} else {
		head.b = head.b[sent:]
	}

	c.logger.Trace("flushed", "tag", c.tag, "addr", c.addr, "bytes", sent)
	return sent, nil
}

// Drain flushes until the queue is empty. With a positive timeout it waits
// for writability between attempts; otherwise it stops at the first send
// that makes no progress.
func (c *Connection) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.HasBuffer() {
		n, err := c.Flush(0)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("drain %s %s: %w", c.tag, c.addr, ErrWouldBlock)
		}
		fds := []unix.PollFd{{Fd: int32(c.Fd()), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, int(remaining.Milliseconds())+1); err != nil && err != unix.EINTR {
			return fmt.Errorf("drain poll %s %s: %w", c.tag, c.addr, err)
		}
	}
	return nil
}

// Swap replaces the underlying socket, closing the previous one. Pending
// outbound chunks are kept.
func (c *Connection) Swap(sock Socket) error {
	old := c.sock
	c.sock = sock
	if err := old.Close(); err != nil {
		return fmt.Errorf("swap %s %s: %w", c.tag, c.addr, err)
	}
	return nil
}

// Close closes the socket on the first call only.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.reusable = false
	return c.sock.Close()
}

// Reset clears pending output and marks the connection reusable.
func (c *Connection) Reset() error {
	if c.closed {
		return ErrClosed
	}
	for c.pending.Length() > 0 {
		c.pending.Remove()
	}
	c.buffered = 0
	c.reusable = true
	return nil
}

// MarkInUse claims a reusable connection.
func (c *Connection) MarkInUse() {
	c.reusable = false
}
