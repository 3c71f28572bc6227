package events

import (
	"fmt"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sink receives events. Implementations must be safe for use by a single delivering goroutine;
// errors are logged by the Emitter and never affect the update lifecycle.
type Sink interface {
	Track(e Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) Track(e Event) error {
	return f(e)
}

// ForwardingSink hands events to a host provided callback by name and payload.
type ForwardingSink struct {
	Forward func(name string, payload map[string]any)
}

// NewForwardingSink returns a sink that forwards to f.
func NewForwardingSink(f func(name string, payload map[string]any)) *ForwardingSink {
	return &ForwardingSink{Forward: f}
}

func (s *ForwardingSink) Track(e Event) error {
	if s.Forward == nil {
		return fmt.Errorf("forwarding sink has no target")
	}
	s.Forward(e.Type().String(), e.Payload())
	return nil
}

// CollectingSink accumulates events in memory, e.g. for a batching telemetry pipeline.
type CollectingSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

func (s *CollectingSink) Track(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a snapshot of the collected events.
func (s *CollectingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Types returns the types of the collected events in order.
func (s *CollectingSink) Types() []Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type()
	}
	return out
}

// Drain returns the collected events and resets the sink.
func (s *CollectingSink) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// LoggingSink writes every event to the debug log.
type LoggingSink struct{}

func (LoggingSink) Track(e Event) error {
	log.WithFields(e.Payload()).Debugf("ota event %s", e.Type())
	return nil
}
