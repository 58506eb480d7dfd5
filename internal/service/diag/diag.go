// Package diag defines the structured diagnostics sink the coordinator reports to.
package diag

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	// InitializationFailure - remote session setup failed.
	InitializationFailure Kind = "initialization_failure"
	// ConversationStartFailure - duplex audio failed to start.
	ConversationStartFailure Kind = "conversation_start_failure"
	// FrameTransmitFailure - a single frame failed to encode or send.
	FrameTransmitFailure Kind = "frame_transmit_failure"
	// FunctionCallUnsupported - the model invoked a capability that is not implemented.
	FunctionCallUnsupported Kind = "function_call_unsupported"
	// PrimingFailure - the priming text after conversation start failed to send.
	PrimingFailure Kind = "priming_failure"
	// StopFailure - the remote duplex audio stop reported an error.
	StopFailure Kind = "stop_failure"
	// SessionLost - the remote session ended on its own.
	SessionLost Kind = "session_lost"
	// FrameStarvation - frames keep being dropped because uploads never free up.
	FrameStarvation Kind = "frame_starvation"
)

// Event is a single diagnostic report.
type Event struct {
	Kind      Kind
	Component string
	SessionID string
	Message   string
	Err       error
	Fields    map[string]string
	Time      time.Time
}

// Sink receives diagnostic events. Emit must not block on I/O.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit forwards ev to every non-nil sink.
func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type logSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink that writes events to a zerolog logger.
func NewLogSink(log zerolog.Logger) Sink {
	return &logSink{log: log}
}

func (s *logSink) Emit(ev Event) {
	e := s.log.Warn()
	if ev.Err != nil {
		e = s.log.Error().Err(ev.Err)
	}
	e = e.Str("diagnostic", string(ev.Kind)).
		Str("component", ev.Component)
	if ev.SessionID != "" {
		e = e.Str("sessionId", ev.SessionID)
	}
	for k, v := range ev.Fields {
		e = e.Str(k, v)
	}
	e.Msg(ev.Message)
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
