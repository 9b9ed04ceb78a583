package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/die-net/spindle/internal/eventbus"
)

const (
	DefaultTimeout = 100 * time.Millisecond
	inboxSize      = 4096
)

var (
	ErrStopped    = errors.New("engine stopped")
	ErrOverloaded = errors.New("engine inbox full")
)

type Config struct {
	ID int

	// Timeout bounds each readiness wait so inactivity sweeps still run
	// on an idle engine.
	Timeout time.Duration

	// ExitWhenIdle stops Run once every work has finished and nothing is
	// waiting in the inbox.
	ExitWhenIdle bool

	Events eventbus.Publisher
	Logger hclog.Logger
}

// Engine multiplexes many works on one goroutine. The readiness wait in
// each tick is its only blocking call.
type Engine struct {
	cfg    Config
	name   string
	logger hclog.Logger

	mu      sync.Mutex
	stopped bool
	inbox   chan Work

	wakeR, wakeW int

	works  map[string]Work
	order  []string
	active atomic.Int64

	pollFds []unix.PollFd
	slots   []slot
}

type slot struct {
	id       string
	start    int
	end      int
	interest []Interest
}

func New(cfg Config) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("engine wake pipe: %w", err)
	}

	name := "engine-" + strconv.Itoa(cfg.ID)
	return &Engine{
		cfg:    cfg,
		name:   name,
		logger: cfg.Logger.Named(name),
		inbox:  make(chan Work, inboxSize),
		wakeR:  p[0],
		wakeW:  p[1],
		works:  make(map[string]Work),
	}, nil
}

// Add hands w to the engine. It is safe to call from any goroutine. On
// error the caller still owns w.
func (e *Engine) Add(w Work) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	select {
	case e.inbox <- w:
	default:
		return ErrOverloaded
	}

	if _, err := unix.Write(e.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		e.logger.Debug("wake failed", "error", err)
	}
	return nil
}

// Active returns the number of works currently owned.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Run drives the engine until ctx ends, then shuts down every work it owns
// or has queued.
func (e *Engine) Run(ctx context.Context) error {
	defer e.drain()

	e.logger.Debug("running")
	for ctx.Err() == nil {
		e.adopt(ctx)
		if e.cfg.ExitWhenIdle && len(e.works) == 0 {
			return nil
		}
		if err := e.tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) adopt(ctx context.Context) {
	for {
		select {
		case w := <-e.inbox:
			e.start(ctx, w)
		default:
			return
		}
	}
}

func (e *Engine) start(ctx context.Context, w Work) {
	id := w.ID()
	e.works[id] = w
	e.order = append(e.order, id)
	e.active.Add(1)
	e.publish(eventbus.WorkStarted, id)

	if err := w.Initialize(ctx); err != nil {
		e.logger.Debug("work initialize failed", "work", id, "error", err)
		e.remove(id)
	}
}

func (e *Engine) tick(ctx context.Context) error {
	fds := append(e.pollFds[:0], unix.PollFd{Fd: int32(e.wakeR), Events: unix.POLLIN})
	slots := e.slots[:0]

	for _, id := range e.order {
		s := slot{id: id, start: len(fds)}
		for fd, in := range e.works[id].Events() {
			var ev int16
			if in&Readable != 0 {
				ev |= unix.POLLIN
			}
			if in&Writable != 0 {
				ev |= unix.POLLOUT
			}
			if ev == 0 {
				continue
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
			s.interest = append(s.interest, in)
		}
		s.end = len(fds)
		slots = append(slots, s)
	}
	e.pollFds, e.slots = fds, slots

	n, err := unix.Poll(fds, int(e.cfg.Timeout.Milliseconds()))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("%s poll: %w", e.name, err)
	}

	if n > 0 {
		if fds[0].Revents != 0 {
			e.clearWake()
		}
		for _, s := range slots {
			e.dispatch(ctx, s, fds)
		}
	}

	e.sweep()
	return nil
}

func (e *Engine) dispatch(ctx context.Context, s slot, fds []unix.PollFd) {
	w, ok := e.works[s.id]
	if !ok {
		return
	}

	var readable, writable []int
	for i := s.start; i < s.end; i++ {
		re := fds[i].Revents
		if re == 0 {
			continue
		}
		if re&unix.POLLNVAL != 0 {
			e.logger.Debug("descriptor invalid", "work", s.id, "fd", fds[i].Fd)
			e.remove(s.id)
			return
		}

		in := s.interest[i-s.start]
		fd := int(fds[i].Fd)
		if in&Readable != 0 && re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			readable = append(readable, fd)
		}
		if in&Writable != 0 && re&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			writable = append(writable, fd)
		}
	}
	if len(readable) == 0 && len(writable) == 0 {
		return
	}

	teardown, err := w.HandleEvents(ctx, readable, writable)
	if err != nil {
		e.logger.Debug("work failed", "work", s.id, "error", err)
		teardown = true
	}
	if teardown {
		e.remove(s.id)
	}
}

func (e *Engine) sweep() {
	for _, id := range slices.Clone(e.order) {
		if w, ok := e.works[id]; ok && w.IsInactive() {
			e.logger.Debug("work inactive", "work", id)
			e.remove(id)
		}
	}
}

func (e *Engine) remove(id string) {
	w, ok := e.works[id]
	if !ok {
		return
	}
	delete(e.works, id)
	if i := slices.Index(e.order, id); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
	e.active.Add(-1)

	w.Shutdown()
	e.publish(eventbus.WorkFinished, id)
}

func (e *Engine) drain() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	for _, id := range slices.Clone(e.order) {
		e.remove(id)
	}
	for {
		select {
		case w := <-e.inbox:
			w.Shutdown()
		default:
			_ = unix.Close(e.wakeR)
			_ = unix.Close(e.wakeW)
			e.logger.Debug("stopped")
			return
		}
	}
}

func (e *Engine) clearWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(e.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (e *Engine) publish(name eventbus.Name, id string) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Publish(eventbus.Event{
		RequestID:   id,
		Name:        name,
		PublisherID: e.name,
	})
}
