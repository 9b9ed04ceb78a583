package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"github.com/mitchellh/copystructure"
)

const DefaultQueueSize = 4096

// Subscriber receives a private copy of each event. It runs on the
// dispatcher goroutine and must not call Unsubscribe.
type Subscriber func(Event)

// Bus queues events from any goroutine and fans them out to subscribers
// from a single dispatcher goroutine.
type Bus struct {
	queue  chan Event
	logger hclog.Logger

	mu   sync.RWMutex
	subs map[string]Subscriber

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Bus)

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		queue:  make(chan Event, DefaultQueueSize),
		logger: hclog.NewNullLogger(),
		subs:   make(map[string]Subscriber),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start runs the dispatcher until ctx ends or Stop is called. Events still
// queued at that point are delivered before the dispatcher exits.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		go b.dispatch(ctx)
	})
}

// Stop ends the dispatcher and waits for it to exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			close(b.done)
			return
		}
		b.cancel()
		<-b.done
	})
}

// Publish enqueues e. When the queue is full the event is dropped.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ProcessID == 0 {
		e.ProcessID = os.Getpid()
	}

	select {
	case b.queue <- e:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("event queue full, dropping events", "event", e.Name)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers fn and returns its id. Every event published after
// Subscribe returns is delivered to fn.
func (b *Bus) Subscribe(fn Subscriber) (string, error) {
	if fn == nil {
		return "", errors.New("subscribe: nil subscriber")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[id] = fn
	b.mu.Unlock()

	b.logger.Debug("subscribed", "id", id)
	return id, nil
}

// Unsubscribe removes the subscriber. It waits for an in-flight delivery
// to finish, so no delivery to id starts after it returns.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()

	b.logger.Debug("unsubscribed", "id", id)
}

// Ingest decodes a JSON event stream, as written by a StreamPublisher in a
// worker process, and publishes each event locally. It returns when r hits
// EOF or ctx ends.
func (b *Bus) Ingest(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)
	for ctx.Err() == nil {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ingest events: %w", err)
		}
		b.Publish(e)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, fn := range b.subs {
		b.call(id, fn, copyEvent(e))
	}
}

func (b *Bus) call(id string, fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "id", id, "event", e.Name, "panic", r)
		}
	}()
	fn(e)
}

func copyEvent(e Event) Event {
	if e.Payload == nil {
		return e
	}
	cp, err := copystructure.Copy(e.Payload)
	if err != nil {
		e.Payload = nil
		return e
	}
	e.Payload = cp.(map[string]any)
	return e
}
