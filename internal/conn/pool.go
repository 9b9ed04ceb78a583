package conn

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

const (
	DefaultPoolIdleTimeout   = 30 * time.Second
	DefaultPoolMaxIdle       = 8
	DefaultPoolSweepInterval = time.Second
)

// Pool keeps idle upstream connections keyed by address so keep-alive
// exchanges can reuse them. A janitor goroutine closes idle connections the
// peer has hung up on or that sat unused longer than the idle timeout.
type Pool struct {
	idleTimeout time.Duration
	maxIdle     int
	interval    time.Duration

	mu    sync.Mutex
	conns map[string][]*Connection
	idle  map[*Connection]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithIdleTimeout closes connections idle for longer than d.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithMaxIdle caps the idle connections kept per address.
func WithMaxIdle(n int) PoolOption {
	return func(p *Pool) { p.maxIdle = n }
}

// WithSweepInterval sets how often idle connections are checked.
func WithSweepInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.interval = d }
}

// NewPool starts a pool and its janitor. Close stops both.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		idleTimeout: DefaultPoolIdleTimeout,
		maxIdle:     DefaultPoolMaxIdle,
		interval:    DefaultPoolSweepInterval,
		conns:       make(map[string][]*Connection),
		idle:        make(map[*Connection]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.janitor()
	return p
}

// Acquire returns an idle connection to addr, or nil. Idle connections the
// peer has closed in the meantime are discarded.
func (p *Pool) Acquire(addr string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns[addr] {
		if !c.IsReusable() {
			continue
		}
		if !idleAlive(c) {
			p.evictLocked(c)
			continue
		}
		delete(p.idle, c)
		c.MarkInUse()
		return c
	}
	return nil
}

// Add registers an in-use connection under its address.
func (p *Pool) Add(c *Connection) {
	p.mu.Lock()
	p.conns[c.Addr()] = append(p.conns[c.Addr()], c)
	p.mu.Unlock()
}

// Release resets c and makes it available to Acquire. A connection that
// cannot be reset, or that would exceed the per-address idle cap, is
// dropped from the pool and closed.
func (p *Pool) Release(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxIdle > 0 && p.idleCountLocked(c.Addr()) >= p.maxIdle {
		p.evictLocked(c)
		return
	}
	if err := c.Reset(); err != nil {
		p.evictLocked(c)
		return
	}
	p.idle[c] = time.Now()
}

// Remove forgets c without closing it.
func (p *Pool) Remove(c *Connection) {
	p.mu.Lock()
	p.removeLocked(c)
	p.mu.Unlock()
}

func (p *Pool) idleCountLocked(addr string) int {
	n := 0
	for _, c := range p.conns[addr] {
		if c.IsReusable() {
			n++
		}
	}
	return n
}

func (p *Pool) evictLocked(c *Connection) {
	p.removeLocked(c)
	_ = c.Close()
}

func (p *Pool) removeLocked(c *Connection) {
	delete(p.idle, c)
	list := p.conns[c.Addr()]
	for i, pc := range list {
		if pc == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.conns, c.Addr())
		return
	}
	p.conns[c.Addr()] = list
}

// Len returns the number of tracked connections for addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[addr])
}

func (p *Pool) janitor() {
	defer close(p.done)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep(time.Now())
		case <-p.stop:
			return
		}
	}
}

// sweep closes idle connections that are past the idle timeout or whose
// peer went away. Connections in use belong to their handler and are left
// alone.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c, since := range p.idle {
		if (p.idleTimeout > 0 && now.Sub(since) > p.idleTimeout) || !idleAlive(c) {
			p.evictLocked(c)
		}
	}
}

// Close stops the janitor and closes every tracked connection.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	for addr, list := range p.conns {
		for _, c := range list {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		delete(p.conns, addr)
	}
	clear(p.idle)
	return result.ErrorOrNil()
}

// idleAlive peeks the socket: an idle connection must have nothing to read
// and must not be at EOF.
func idleAlive(c *Connection) bool {
	buf := make([]byte, 1)
	_, _, err := unix.Recvfrom(c.Fd(), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	return err == unix.EAGAIN
}
