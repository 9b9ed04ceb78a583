package eventbus

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// StreamPublisher serializes events onto w, one JSON document per event.
// Worker processes use it to feed the parent's Bus through a pipe. Writes
// happen on a background goroutine; events are dropped if it falls behind.
type StreamPublisher struct {
	ch     chan Event
	w      io.Writer
	logger hclog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewStreamPublisher(w io.Writer, logger hclog.Logger) *StreamPublisher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &StreamPublisher{
		ch:     make(chan Event, DefaultQueueSize),
		w:      w,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *StreamPublisher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ProcessID == 0 {
		e.ProcessID = os.Getpid()
	}

	select {
	case p.ch <- e:
	default:
		p.logger.Debug("event stream behind, dropping event", "event", e.Name)
	}
}

// Close flushes queued events and stops the writer. Publish must not be
// called after Close.
func (p *StreamPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.ch)
	})
	<-p.done
	return nil
}

func (p *StreamPublisher) run() {
	defer close(p.done)

	enc := json.NewEncoder(p.w)
	for e := range p.ch {
		if err := enc.Encode(e); err != nil {
			p.logger.Debug("event stream write failed", "error", err)
			for range p.ch {
			}
			return
		}
	}
}
