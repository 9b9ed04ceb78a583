package acceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/eventbus"
)

// Mode selects how acceptors are run.
type Mode int

const (
	ModeProcess Mode = iota
	ModeGoroutine
)

func (m Mode) String() string {
	switch m {
	case ModeProcess:
		return "process"
	case ModeGoroutine:
		return "goroutine"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "process":
		return ModeProcess, nil
	case "goroutine":
		return ModeGoroutine, nil
	default:
		return 0, fmt.Errorf("unknown worker mode %q", s)
	}
}

const DefaultStopTimeout = 10 * time.Second

type PoolConfig struct {
	Listen     conn.ListenConfig
	NumWorkers int
	Mode       Mode

	// Acceptor is the template for goroutine workers. ID and LockPath are
	// filled in per worker.
	Acceptor Config

	// Command builds the command for one worker process. The default
	// re-executes the running binary with the same arguments.
	Command func() *exec.Cmd

	// Events, when set, receives the event streams of worker processes.
	Events *eventbus.Bus

	// StopTimeout bounds the wait for a worker process after SIGTERM
	// before it is killed.
	StopTimeout time.Duration

	Logger hclog.Logger
}

// Pool binds the listening socket once and fans it out to NumWorkers
// acceptors.
type Pool struct {
	cfg      PoolConfig
	logger   hclog.Logger
	listener *conn.Listener
	lockPath string
	workers  []worker
	ingest   sync.WaitGroup
}

type worker interface {
	id() int
	pid() int
	// controlFile is the pool's end of the control channel, nil once closed.
	controlFile() *os.File
	closeControl() error
	stop()
	wait() error
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Command == nil {
		cfg.Command = func() *exec.Cmd {
			exe, err := os.Executable()
			if err != nil {
				exe = os.Args[0]
			}
			return exec.Command(exe, os.Args[1:]...)
		}
	}
	return &Pool{cfg: cfg, logger: cfg.Logger.Named("pool")}
}

// Port returns the bound port, including one assigned by the kernel.
func (p *Pool) Port() int {
	return p.cfg.Listen.Port
}

// Listen binds the listening socket and records the bound port.
func (p *Pool) Listen(ctx context.Context) error {
	l, err := conn.Listen(ctx, p.cfg.Listen)
	if err != nil {
		return err
	}
	p.listener = l
	p.cfg.Listen.Port = l.Port()
	p.logger.Info("listening", "addr", l.Addr().String(), "backlog", p.cfg.Listen.Backlog)
	return nil
}

// StartWorkers launches NumWorkers acceptors, each waiting on its own
// control channel for the listening descriptor.
func (p *Pool) StartWorkers(ctx context.Context) error {
	f, err := os.CreateTemp("", "spindle-accept-*.lock")
	if err != nil {
		return fmt.Errorf("create accept lock: %w", err)
	}
	p.lockPath = f.Name()
	_ = f.Close()

	for i := range p.cfg.NumWorkers {
		var w worker
		var err error
		switch p.cfg.Mode {
		case ModeProcess:
			w, err = p.startProcess(ctx, i)
		case ModeGoroutine:
			w, err = p.startGoroutine(ctx, i)
		default:
			err = fmt.Errorf("unknown worker mode %d", p.cfg.Mode)
		}
		if err != nil {
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		p.logger.Debug("worker started", "worker", i, "mode", p.cfg.Mode, "pid", w.pid())
	}
	return nil
}

// Setup listens, starts the workers and hands each the listening
// descriptor. Afterwards the pool holds neither the listener nor any
// control channel.
func (p *Pool) Setup(ctx context.Context) error {
	if err := p.Listen(ctx); err != nil {
		return err
	}
	if err := p.StartWorkers(ctx); err != nil {
		_ = p.Shutdown()
		return err
	}

	for _, w := range p.workers {
		if err := SendFd(int(w.controlFile().Fd()), p.listener.Fd()); err != nil {
			_ = p.Shutdown()
			return fmt.Errorf("worker %d: %w", w.id(), err)
		}
		if err := w.closeControl(); err != nil {
			p.logger.Warn("closing control channel", "worker", w.id(), "error", err)
		}
	}

	if err := p.listener.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	p.listener = nil
	return nil
}

// Shutdown signals every worker and waits for all of them to exit.
func (p *Pool) Shutdown() error {
	for _, w := range p.workers {
		w.stop()
	}

	var result *multierror.Error
	for _, w := range p.workers {
		if err := w.wait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("worker %d: %w", w.id(), err))
		}
		if err := w.closeControl(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.ingest.Wait()

	if p.listener != nil {
		if err := p.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.listener = nil
	}
	if p.lockPath != "" {
		if err := os.Remove(p.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}

	p.logger.Debug("workers stopped", "count", len(p.workers))
	return result.ErrorOrNil()
}

func controlPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("control socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "control"), os.NewFile(uintptr(fds[1]), "control-worker"), nil
}

type controlEnd struct {
	mu      sync.Mutex
	control *os.File
}

func (c *controlEnd) controlFile() *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

func (c *controlEnd) closeControl() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.control == nil {
		return nil
	}
	err := c.control.Close()
	c.control = nil
	return err
}

type goroutineWorker struct {
	controlEnd
	n      int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *Pool) startGoroutine(ctx context.Context, i int) (worker, error) {
	parent, child, err := controlPair()
	if err != nil {
		return nil, err
	}

	cfg := p.cfg.Acceptor
	cfg.ID = i
	cfg.LockPath = p.lockPath
	if cfg.Logger == nil {
		cfg.Logger = p.cfg.Logger
	}
	a := New(cfg, child)

	ctx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{controlEnd: controlEnd{control: parent}, n: i, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = a.Run(ctx)
	}()
	return w, nil
}

func (w *goroutineWorker) id() int  { return w.n }
func (w *goroutineWorker) pid() int { return os.Getpid() }

func (w *goroutineWorker) stop() {
	w.cancel()
	// An acceptor still waiting for its descriptor unblocks on EOF.
	_ = w.closeControl()
}

func (w *goroutineWorker) wait() error {
	<-w.done
	return w.err
}

type processWorker struct {
	controlEnd
	n       int
	cmd     *exec.Cmd
	timeout time.Duration

	waitOnce sync.Once
	err      error
}

func (p *Pool) startProcess(ctx context.Context, i int) (worker, error) {
	parent, child, err := controlPair()
	if err != nil {
		return nil, err
	}
	defer child.Close()

	evR, evW, err := os.Pipe()
	if err != nil {
		_ = parent.Close()
		return nil, fmt.Errorf("event pipe: %w", err)
	}
	defer evW.Close()

	cmd := p.cfg.Command()
	cmd.ExtraFiles = []*os.File{child, evW}
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+strconv.Itoa(i),
		EnvLockPath+"="+p.lockPath,
	)
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = evR.Close()
		return nil, fmt.Errorf("spawn: %w", err)
	}

	p.ingest.Add(1)
	go func() {
		defer p.ingest.Done()
		defer evR.Close()
		if p.cfg.Events == nil {
			_, _ = io.Copy(io.Discard, evR)
			return
		}
		if err := p.cfg.Events.Ingest(ctx, evR); err != nil {
			p.logger.Debug("worker event stream ended", "worker", i, "error", err)
		}
		// Keep the pipe drained so a worker never blocks on it while exiting.
		_, _ = io.Copy(io.Discard, evR)
	}()

	return &processWorker{
		controlEnd: controlEnd{control: parent},
		n:          i,
		cmd:        cmd,
		timeout:    p.cfg.StopTimeout,
	}, nil
}

func (w *processWorker) id() int { return w.n }

func (w *processWorker) pid() int { return w.cmd.Process.Pid }

func (w *processWorker) stop() {
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
}

func (w *processWorker) wait() error {
	w.waitOnce.Do(func() {
		timer := time.AfterFunc(w.timeout, func() {
			_ = w.cmd.Process.Kill()
		})
		defer timer.Stop()
		w.err = w.cmd.Wait()
	})
	return w.err
}
