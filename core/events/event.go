package events

import "quorumescrow/core/types"

// Event represents a structured state change emitted by an escrow instance.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry the canonical attribute map.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Recorder keeps every emitted event in memory. Tests use it to assert on the
// notification sequence produced by an operation.
type Recorder struct {
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) { r.events = append(r.events, evt) }

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event { return append([]Event(nil), r.events...) }

// Types returns the event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() { r.events = nil }
