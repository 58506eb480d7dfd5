// Package live defines the interface for remote live-session transports.
package live

import (
	"context"
	"errors"
	"time"
)

// ErrFunctionCallUnsupported is reported back to the model for every function call.
var ErrFunctionCallUnsupported = errors.New("function call unsupported")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("live session closed")

// Config configures a remote live session.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
	InputSampleRate   int // microphone PCM16 sample rate
	ConnectTimeout    time.Duration
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResult is the response returned to the model for a FunctionCall.
type FunctionResult struct {
	ID     string
	Name   string
	Output map[string]any
	Err    error
}

// Handler receives conversation events from the session.
type Handler interface {
	// OnFunctionCall is called for each tool invocation. The result is sent back to the model.
	OnFunctionCall(call FunctionCall) FunctionResult

	// OnInterrupted is called when user speech interrupts the model's turn.
	OnInterrupted()
}

// Session is an opaque handle to a connected remote live session.
type Session interface {
	// StartDuplexAudio starts streaming microphone audio up and model audio down.
	StartDuplexAudio(ctx context.Context, h Handler) error

	// StopDuplexAudio stops the audio conversation. The session stays open.
	StopDuplexAudio(ctx context.Context) error

	// SendFrame sends one encoded video frame.
	SendFrame(ctx context.Context, data []byte, mimeType string) error

	// SendText sends a user text turn.
	SendText(ctx context.Context, text string) error

	// Done is closed when the session ends, on Close or on remote failure.
	Done() <-chan struct{}

	// Err returns why the session ended, nil while it is open or after Close.
	Err() error

	// Close ends the session and releases resources.
	Close() error
}

// Transport opens remote live sessions (Gemini Live, mock, ...).
type Transport interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// AudioSource supplies microphone PCM chunks.
type AudioSource interface {
	// ReadChunk blocks until a chunk is available or ctx is done.
	ReadChunk(ctx context.Context) ([]byte, error)
}

// AudioSink plays model audio.
type AudioSink interface {
	// WriteChunk queues PCM audio for playback.
	WriteChunk(pcm []byte) error

	// Flush discards queued playback, used on barge-in.
	Flush()
}
