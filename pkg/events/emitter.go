package events

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const defaultQueueSize = 1024

// Emitter delivers events to its sinks in emission order on a dedicated goroutine.
// Emitting never blocks: when the queue is full the event is dropped and counted.
type Emitter struct {
	sinks []Sink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   chan Event
	pending int
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewEmitter starts an emitter that fans out to sinks.
// queueSize <= 0 selects a default.
func NewEmitter(queueSize int, sinks ...Sink) *Emitter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	e := &Emitter{
		sinks: sinks,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Emit creates an event and queues it for delivery.
func (e *Emitter) Emit(t Type, payload map[string]any) Event {
	ev := New(t, payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		log.Debugf("emitter closed, dropping %s", t)
		return ev
	}
	select {
	case e.queue <- ev:
		e.pending++
	default:
		e.dropped.Add(1)
		log.Warnf("event queue full, dropping %s", t)
	}
	return ev
}

// Dropped returns the number of events lost to a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Flush blocks until every queued event has been handed to all sinks.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending > 0 {
		e.cond.Wait()
	}
}

// Close delivers the remaining events and stops the emitter.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		for _, s := range e.sinks {
			deliver(s, ev)
		}
		e.mu.Lock()
		e.pending--
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

func deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event sink panicked on %s: %v", ev.Type(), r)
		}
	}()
	if err := s.Track(ev); err != nil {
		log.WithError(err).Warnf("event sink failed on %s", ev.Type())
	}
}
