package pipeline

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Sink receives pipeline events in emission order on a single goroutine.
type Sink interface {
	HandleEvent(evt protocol.PipelineEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt protocol.PipelineEvent)

func (f SinkFunc) HandleEvent(evt protocol.PipelineEvent) { f(evt) }

// dispatcher decouples event emission from delivery. The queue is
// unbounded so emitters never wait on slow sinks.
type dispatcher struct {
	mu      sync.Mutex
	queue   []protocol.PipelineEvent
	sinks   []Sink
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	log     *slog.Logger
}

func newDispatcher(log *slog.Logger, sinks ...Sink) *dispatcher {
	d := &dispatcher{
		sinks:   sinks,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		log:     log,
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

func (d *dispatcher) emit(evt protocol.PipelineEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, evt)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		sinks := append([]Sink(nil), d.sinks...)
		closed := d.closed
		d.mu.Unlock()

		for _, evt := range batch {
			for _, s := range sinks {
				d.deliver(s, evt)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) deliver(s Sink, evt protocol.PipelineEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event sink panicked", slog.String("event", evt.Type), slog.Any("panic", r))
		}
	}()
	s.HandleEvent(evt)
}

// close flushes queued events and stops delivery.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}
