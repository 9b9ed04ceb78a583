package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/engine"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/testutil"
)

// TestMain doubles as the worker entry point when a process-mode pool
// re-executes the test binary.
func TestMain(m *testing.M) {
	if IsWorkerProcess() {
		os.Exit(runTestWorker())
	}
	os.Exit(m.Run())
}

func runTestWorker() int {
	env, err := WorkerFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	pub := eventbus.NewStreamPublisher(env.Events, nil)
	defer pub.Close()

	a := New(Config{
		ID:         env.ID,
		LockPath:   env.LockPath,
		NumEngines: 2,
		Threadless: true,
		Factory:    engine.NewEchoFactory(0),
		Events:     pub,
	}, env.Control)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func dialEcho(t *testing.T, port int, msg string) {
	t.Helper()

	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	testutil.AssertEcho(t, c, c, []byte(msg))
}

func TestHandoffRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := testutil.SocketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	require.NoError(t, unix.SetNonblock(b, false))

	f, err := os.CreateTemp(t.TempDir(), "handoff")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("shared")
	require.NoError(t, err)

	require.NoError(t, SendFd(a, int(f.Fd())))
	got, err := RecvFd(b)
	require.NoError(t, err)
	defer unix.Close(got)
	assert.NotEqual(t, int(f.Fd()), got)

	buf := make([]byte, 6)
	n, err := unix.Pread(got, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(buf[:n]))
}

func TestRecvFdPeerClosed(t *testing.T) {
	t.Parallel()

	a, b := testutil.SocketPair(t)
	defer unix.Close(b)
	require.NoError(t, unix.SetNonblock(b, false))
	require.NoError(t, unix.Close(a))

	_, err := RecvFd(b)
	require.Error(t, err)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accept.lock")
	l1, err := OpenLock(path)
	require.NoError(t, err)
	defer l1.Close()
	l2, err := OpenLock(path)
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l1.Lock())
	ok, err := l2.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l1.Unlock())
	ok, err = l2.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l2.Unlock())
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("process")
	require.NoError(t, err)
	assert.Equal(t, ModeProcess, m)
	m, err = ParseMode("goroutine")
	require.NoError(t, err)
	assert.Equal(t, ModeGoroutine, m)
	_, err = ParseMode("thread")
	require.Error(t, err)
}

// countingFactory wraps the echo factory and records how many works it built.
type countingFactory struct {
	mu sync.Mutex
	n  int
}

func (f *countingFactory) build(c *conn.Connection) (engine.Work, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return engine.NewEchoFactory(0)(c)
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func TestPoolGoroutineMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		threadless bool
	}{
		{name: "threadless", threadless: true},
		{name: "engine per connection", threadless: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &countingFactory{}
			p := NewPool(PoolConfig{
				Listen:     conn.ListenConfig{Hostname: "127.0.0.1"},
				NumWorkers: 3,
				Mode:       ModeGoroutine,
				Acceptor: Config{
					NumEngines: 2,
					Threadless: tt.threadless,
					Factory:    f.build,
				},
			})
			require.NoError(t, p.Setup(context.Background()))
			require.NotZero(t, p.Port())
			assert.Nil(t, p.listener, "pool released its listener")

			for i := range 10 {
				dialEcho(t, p.Port(), "msg-"+strconv.Itoa(i))
			}
			assert.Equal(t, 10, f.count())

			require.NoError(t, p.Shutdown())
			for _, w := range p.workers {
				assert.Nil(t, w.controlFile())
			}
			_, err := os.Stat(p.lockPath)
			assert.True(t, errors.Is(err, os.ErrNotExist))
		})
	}
}

func TestPoolShutdownBeforeSetup(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{
		Listen:     conn.ListenConfig{Hostname: "127.0.0.1"},
		NumWorkers: 2,
		Mode:       ModeGoroutine,
		Acceptor:   Config{Threadless: true, Factory: engine.NewEchoFactory(0)},
	})
	require.NoError(t, p.Listen(context.Background()))
	require.NoError(t, p.StartWorkers(context.Background()))

	// Workers blocked waiting for the descriptor must still exit.
	err := p.Shutdown()
	require.Error(t, err)
}

func TestPoolSetupBindFailure(t *testing.T) {
	t.Parallel()

	held, err := conn.Listen(context.Background(), conn.ListenConfig{Hostname: "127.0.0.1"})
	require.NoError(t, err)
	defer held.Close()

	p := NewPool(PoolConfig{
		Listen:     conn.ListenConfig{Hostname: "127.0.0.1", Port: held.Port()},
		NumWorkers: 1,
		Mode:       ModeGoroutine,
		Acceptor:   Config{Factory: engine.NewEchoFactory(0)},
	})
	require.Error(t, p.Setup(context.Background()))
	assert.Empty(t, p.workers)
}

func TestPoolProcessMode(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	bus := eventbus.New()
	bus.Start(context.Background())
	defer bus.Stop()

	var mu sync.Mutex
	started := map[int]bool{}
	_, err := bus.Subscribe(func(e eventbus.Event) {
		if e.Name == eventbus.WorkStarted {
			mu.Lock()
			started[e.ProcessID] = true
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	p := NewPool(PoolConfig{
		Listen:      conn.ListenConfig{Hostname: "127.0.0.1"},
		NumWorkers:  2,
		Mode:        ModeProcess,
		Events:      bus,
		StopTimeout: 5 * time.Second,
	})
	require.NoError(t, p.Setup(context.Background()))

	for i := range 6 {
		dialEcho(t, p.Port(), "proc-"+strconv.Itoa(i))
	}

	var pids []int
	for _, w := range p.workers {
		pids = append(pids, w.pid())
		assert.NotEqual(t, os.Getpid(), w.pid())
		assert.Nil(t, w.controlFile())
	}

	require.NoError(t, p.Shutdown())
	for _, pid := range pids {
		assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "worker %d still alive", pid)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) > 0
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	for pid := range started {
		assert.Contains(t, pids, pid)
	}
	mu.Unlock()
}
