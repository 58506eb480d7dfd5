// Package mock provides an in-memory live transport for local runs without
// cloud credentials and for tests. Every remote operation is counted, errors can
// be injected per operation, and frame sends can be held open to simulate a slow
// network.
package mock

import (
	"context"
	"sync"

	"live-vision-service/internal/service/live"
)

// Counts is a snapshot of how often each remote operation was invoked.
type Counts struct {
	Connect    int
	StartAudio int
	StopAudio  int
	SendFrame  int
	SendText   int
	Close      int
}

// Transport implements live.Transport with in-memory sessions.
type Transport struct {
	mu sync.Mutex

	// Injected failures, returned by every matching call while set.
	ConnectErr    error
	StartAudioErr error
	StopAudioErr  error
	SendFrameErr  error
	SendTextErr   error

	counts   Counts
	frames   [][]byte
	texts    []string
	sessions []*Session

	// frameGate, when set, holds every SendFrame until a value is received.
	frameGate chan struct{}
	// frameStarted receives one value per SendFrame entry, when set.
	frameStarted chan struct{}
}

// New creates a mock transport.
func New() *Transport {
	return &Transport{}
}

// HoldFrames makes SendFrame block until ReleaseFrame is called once per frame.
// The returned channel receives a value each time a SendFrame call begins.
func (t *Transport) HoldFrames() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameGate = make(chan struct{})
	t.frameStarted = make(chan struct{}, 16)
	return t.frameStarted
}

// ReleaseFrame lets one held SendFrame call return.
func (t *Transport) ReleaseFrame() {
	t.mu.Lock()
	gate := t.frameGate
	t.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
}

// SetErrors replaces the injected errors under the transport lock.
func (t *Transport) SetErrors(connect, startAudio, stopAudio, sendFrame, sendText error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectErr = connect
	t.StartAudioErr = startAudio
	t.StopAudioErr = stopAudio
	t.SendFrameErr = sendFrame
	t.SendTextErr = sendText
}

// Counts returns the current operation counters.
func (t *Transport) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Frames returns copies of every frame payload received.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte{}, t.frames...)
}

// Texts returns every text turn received.
func (t *Transport) Texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.texts...)
}

// LastSession returns the most recently connected session, or nil.
func (t *Transport) LastSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// Connect opens a new in-memory session.
func (t *Transport) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.Connect++
	if err := t.ConnectErr; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		transport: t,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// Session implements live.Session.
type Session struct {
	transport *Transport
	cfg       live.Config

	mu      sync.Mutex
	handler live.Handler
	audio   bool
	closed  bool
	err     error
	done    chan struct{}
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() live.Config {
	return s.cfg
}

// AudioActive reports whether duplex audio is running.
func (s *Session) AudioActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// StartDuplexAudio records the handler and marks audio active.
func (s *Session) StartDuplexAudio(ctx context.Context, h live.Handler) error {
	t := s.transport
	t.mu.Lock()
	t.counts.StartAudio++
	err := t.StartAudioErr
	t.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	s.handler = h
	s.audio = true
	return nil
}

// StopDuplexAudio marks audio inactive.
func (s *Session) StopDuplexAudio(ctx context.Context) error {
	t := s.transport
	t.mu.Lock()
	t.counts.StopAudio++
	err := t.StopAudioErr
	t.mu.Unlock()

	s.mu.Lock()
	s.audio = false
	s.handler = nil
	s.mu.Unlock()
	return err
}

// SendFrame records the frame, blocking first if frames are held.
func (s *Session) SendFrame(ctx context.Context, data []byte, mimeType string) error {
	t := s.transport
	t.mu.Lock()
	t.counts.SendFrame++
	gate, started := t.frameGate, t.frameStarted
	err := t.SendFrameErr
	t.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.frames = append(t.frames, append([]byte{}, data...))
	t.mu.Unlock()
	return nil
}

// SendText records the text turn.
func (s *Session) SendText(ctx context.Context, text string) error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.SendText++
	if t.SendTextErr != nil {
		return t.SendTextErr
	}
	t.texts = append(t.texts, text)
	return nil
}

// CallFunction delivers a model function call to the active handler.
// Returns false if no conversation is running.
func (s *Session) CallFunction(call live.FunctionCall) (live.FunctionResult, bool) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return live.FunctionResult{}, false
	}
	return h.OnFunctionCall(call), true
}

// Interrupt delivers a barge-in to the active handler.
func (s *Session) Interrupt() {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnInterrupted()
	}
}

// Kill ends the session as if the remote side dropped it.
func (s *Session) Kill(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.audio = false
	s.err = err
	close(s.done)
}

// Done implements live.Session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements live.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	t := s.transport
	t.mu.Lock()
	t.counts.Close++
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.audio = false
	close(s.done)
	return nil
}
