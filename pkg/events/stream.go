package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// defaultStreamBuffer sizes the per-turn event channel. A full buffer means
// the SSE consumer has stalled badly; Emit drops rather than blocking the
// run loop.
const defaultStreamBuffer = 1024

// Listener observes every emitted event synchronously, before channel
// delivery. Used by the skill engine to accumulate run state.
type Listener func(StepEvent)

// Expander derives follow-up events from an emitted event. The artifact
// detector implements this: deactivate_toolkit events expand into zero or
// more artifact events delivered immediately after the originator.
type Expander interface {
	Expand(ev StepEvent) []StepEvent
}

// Stream is the per-turn event pipe between producers (the run loop, tool
// wrappers, workforce goroutines) and the single SSE consumer. Emit is
// non-blocking and safe for concurrent producers; events from one producer
// are delivered in emission order.
type Stream struct {
	ch chan StepEvent

	mu       sync.Mutex
	closed   bool
	ended    bool
	listener Listener
	expander Expander
	dropped  int
}

// NewStream creates a stream with the default buffer.
func NewStream() *Stream {
	return &Stream{ch: make(chan StepEvent, defaultStreamBuffer)}
}

// Events returns the consumer side. The channel is closed by Close.
func (s *Stream) Events() <-chan StepEvent {
	return s.ch
}

// SetListener installs the synchronous step listener. Must be called before
// producers start.
func (s *Stream) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SetExpander installs the inline event expander. Must be called before
// producers start.
func (s *Stream) SetExpander(e Expander) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expander = e
}

// Emit publishes a step event. No-op after Close, and no event of any kind
// is accepted after an end event has been emitted.
func (s *Stream) Emit(taskID string, step StepKind, data map[string]any) {
	s.EmitEvent(NewStepEvent(taskID, step, data))
}

// EmitEvent publishes a pre-built event. The lock is held across listener,
// expansion, and channel send so that expanded events land immediately
// after their originator with no interleaving from other producers.
func (s *Stream) EmitEvent(ev StepEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ended {
		return
	}

	s.deliver(ev)

	if s.expander != nil && ev.Step == StepDeactivateToolkit {
		for _, extra := range s.expander.Expand(ev) {
			s.deliver(extra)
		}
	}

	if ev.Step == StepEnd {
		s.ended = true
	}
}

// deliver runs the listener and performs the non-blocking send.
// Caller holds s.mu.
func (s *Stream) deliver(ev StepEvent) {
	if s.listener != nil {
		s.listener(ev)
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
		slog.Warn("Event stream buffer full, dropping event",
			"task_id", ev.TaskID, "step", ev.Step, "dropped_total", s.dropped)
	}
}

// Close terminates the stream and unblocks the consumer. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// EncodeSSE renders a step event as one Server-Sent Events record:
// "data: <json>\n\n".
func EncodeSSE(ev StepEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal step event: %w", err)
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}
