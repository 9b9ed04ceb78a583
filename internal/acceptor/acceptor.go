package acceptor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/engine"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/ratelimit"
)

const acceptWait = 100 * time.Millisecond

type Config struct {
	ID int

	// NumEngines is the number of threadless engines fed round-robin.
	NumEngines int

	// Threadless false gives every connection a private engine goroutine.
	Threadless bool

	Factory  engine.Factory
	LockPath string

	// EngineTimeout bounds each engine readiness wait.
	EngineTimeout time.Duration

	// Per-connection client limits in bytes per second; 0 is unlimited.
	ClientFlushBPS int
	ClientRecvBPS  int

	Events eventbus.Publisher
	Logger hclog.Logger
}

// Acceptor receives the listening descriptor over its control channel and
// accepts connections for its engines while holding the pool-wide lock.
type Acceptor struct {
	cfg     Config
	control *os.File
	logger  hclog.Logger

	engines []*engine.Engine
	total   uint64
}

// New returns an Acceptor that takes ownership of control.
func New(cfg Config, control *os.File) *Acceptor {
	if cfg.NumEngines <= 0 {
		cfg.NumEngines = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Acceptor{
		cfg:     cfg,
		control: control,
		logger:  cfg.Logger.Named("acceptor-" + strconv.Itoa(cfg.ID)),
	}
}

// Run blocks until ctx ends. Engines are drained before it returns.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.cfg.Factory == nil {
		_ = a.control.Close()
		return fmt.Errorf("acceptor %d: no work factory", a.cfg.ID)
	}

	lfd, err := RecvFd(int(a.control.Fd()))
	_ = a.control.Close()
	if err != nil {
		return fmt.Errorf("acceptor %d: %w", a.cfg.ID, err)
	}
	defer unix.Close(lfd)

	lock, err := OpenLock(a.cfg.LockPath)
	if err != nil {
		return fmt.Errorf("acceptor %d: %w", a.cfg.ID, err)
	}
	defer lock.Close()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Threadless {
		for i := range a.cfg.NumEngines {
			e, err := a.newEngine(i, false)
			if err != nil {
				return err
			}
			a.engines = append(a.engines, e)
			g.Go(func() error { return e.Run(gctx) })
		}
	}

	g.Go(func() error { return a.acceptLoop(gctx, g, lfd, lock) })

	a.logger.Info("accepting", "engines", len(a.engines), "threadless", a.cfg.Threadless)
	err = g.Wait()
	a.logger.Debug("stopped", "accepted", a.total)
	return err
}

func (a *Acceptor) newEngine(i int, exitWhenIdle bool) (*engine.Engine, error) {
	e, err := engine.New(engine.Config{
		ID:           i,
		Timeout:      a.cfg.EngineTimeout,
		ExitWhenIdle: exitWhenIdle,
		Events:       a.cfg.Events,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("acceptor %d: %w", a.cfg.ID, err)
	}
	return e, nil
}

func (a *Acceptor) acceptLoop(ctx context.Context, g *errgroup.Group, lfd int, lock *Lock) error {
	for ctx.Err() == nil {
		if err := lock.Lock(); err != nil {
			return err
		}
		nfd, sa, err := acceptOnce(lfd)
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		if err != nil {
			return fmt.Errorf("acceptor %d: %w", a.cfg.ID, err)
		}
		if nfd < 0 {
			continue
		}
		a.dispatch(ctx, g, nfd, sa)
	}
	return nil
}

// acceptOnce waits briefly for the listener and accepts one connection. It
// returns -1 with a nil error when nothing was accepted.
func acceptOnce(lfd int) (int, unix.Sockaddr, error) {
	fds := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(acceptWait.Milliseconds()))
	if err == unix.EINTR || n == 0 {
		return -1, nil, nil
	}
	if err != nil {
		return -1, nil, fmt.Errorf("poll listener: %w", err)
	}

	nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	switch err {
	case nil:
		return nfd, sa, nil
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED, unix.EPROTO:
		return -1, nil, nil
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		// Out of resources: back off and let established work finish.
		time.Sleep(acceptWait)
		return -1, nil, nil
	default:
		return -1, nil, fmt.Errorf("accept: %w", err)
	}
}

func (a *Acceptor) dispatch(ctx context.Context, g *errgroup.Group, nfd int, sa unix.Sockaddr) {
	addr := conn.SockaddrString(sa)
	sock, err := conn.NewFdSocket(nfd)
	if err != nil {
		_ = unix.Close(nfd)
		a.logger.Warn("accepted socket unusable", "addr", addr, "error", err)
		return
	}

	client := conn.New(conn.TagClient, sock,
		conn.WithAddr(addr),
		conn.WithFlushLimiter(ratelimit.New(a.cfg.ClientFlushBPS)),
		conn.WithRecvLimiter(ratelimit.New(a.cfg.ClientRecvBPS)),
		conn.WithLogger(a.logger),
	)

	w, err := a.cfg.Factory(client)
	if err != nil {
		_ = client.Close()
		a.logger.Warn("work factory failed", "addr", addr, "error", err)
		return
	}

	if !a.cfg.Threadless {
		e, err := a.newEngine(int(a.total), true)
		if err == nil {
			err = e.Add(w)
		}
		if err != nil {
			w.Shutdown()
			a.logger.Warn("connection dropped", "addr", addr, "error", err)
			return
		}
		a.total++
		g.Go(func() error {
			if err := e.Run(ctx); err != nil {
				a.logger.Debug("connection engine failed", "addr", addr, "error", err)
			}
			return nil
		})
		return
	}

	idx := (a.total + uint64(a.cfg.ID)) % uint64(len(a.engines))
	if err := a.engines[idx].Add(w); err != nil {
		w.Shutdown()
		a.logger.Warn("connection dropped", "addr", addr, "engine", idx, "error", err)
		return
	}
	a.total++
	a.logger.Trace("accepted", "addr", addr, "engine", idx)
}
