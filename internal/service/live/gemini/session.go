package gemini

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/live"
)

const defaultInputRate = 16000

// conn is the part of *genai.Session the session uses.
type conn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type sessionConfig struct {
	inputRate int
	source    live.AudioSource
	sink      live.AudioSink
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// Session is a live.Session over one Gemini Live websocket.
//
// A receive goroutine dispatches server messages for the whole lifetime of the
// session. While duplex audio runs a second goroutine pumps microphone chunks
// up. Every write goes through writeSem so frames, audio, text and tool
// responses never interleave on the socket.
type Session struct {
	conn     conn
	micMIME  string
	source   live.AudioSource
	sink     live.AudioSink
	writeSem chan struct{}

	mu         sync.Mutex
	handler    live.Handler
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	closed     bool
	err        error

	done     chan struct{}
	doneOnce sync.Once

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func newSession(c conn, cfg sessionConfig) *Session {
	rate := cfg.inputRate
	if rate <= 0 {
		rate = defaultInputRate
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.DefaultMetrics
	}
	s := &Session{
		conn:     c,
		micMIME:  fmt.Sprintf("audio/pcm;rate=%d", rate),
		source:   cfg.source,
		sink:     cfg.sink,
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      cfg.log,
		metrics:  cfg.metrics,
	}
	go s.receive()
	return s
}

// send writes one realtime input, waiting for the socket until ctx is done.
func (s *Session) send(ctx context.Context, in genai.LiveRealtimeInput) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.writeSem }()
	return s.conn.SendRealtimeInput(in)
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case <-s.done:
		return live.ErrSessionClosed
	default:
	}
	select {
	case s.writeSem <- struct{}{}:
		return nil
	case <-s.done:
		return live.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartDuplexAudio installs h and starts the microphone pump. Calling it again
// while audio runs only replaces the handler.
func (s *Session) StartDuplexAudio(ctx context.Context, h live.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return live.ErrSessionClosed
	}
	s.handler = h
	if s.pumpCancel != nil || s.source == nil {
		return nil
	}

	pctx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	s.pumpDone = make(chan struct{})
	go s.pump(pctx, s.pumpDone)
	s.log.Debug().Str("mime", s.micMIME).Msg("Microphone streaming started")
	return nil
}

func (s *Session) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		chunk, err := s.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Microphone source ended")
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if err := s.send(ctx, genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: chunk, MIMEType: s.micMIME},
		}); err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Failed to send microphone audio")
			}
			return
		}
		s.metrics.RecordMicChunk()
	}
}

// StopDuplexAudio stops the microphone pump and tells the model the audio
// stream ended. The session stays open.
func (s *Session) StopDuplexAudio(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.pumpCancel, s.pumpDone
	s.pumpCancel, s.pumpDone = nil, nil
	s.handler = nil
	closed := s.closed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if closed {
		return live.ErrSessionClosed
	}
	if s.sink != nil {
		s.sink.Flush()
	}
	if err := s.send(ctx, genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("send audio stream end: %w", err)
	}
	s.log.Debug().Msg("Microphone streaming stopped")
	return nil
}

// SendFrame sends one encoded video frame.
func (s *Session) SendFrame(ctx context.Context, data []byte, mimeType string) error {
	return s.send(ctx, genai.LiveRealtimeInput{
		Video: &genai.Blob{Data: data, MIMEType: mimeType},
	})
}

// SendText sends a user text turn.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.send(ctx, genai.LiveRealtimeInput{Text: text})
}

func (s *Session) receive() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *genai.LiveServerMessage) {
	if msg == nil {
		return
	}
	if sc := msg.ServerContent; sc != nil {
		s.handleContent(sc)
	}
	if tc := msg.ToolCall; tc != nil {
		s.handleToolCall(tc)
	}
	if msg.GoAway != nil {
		s.log.Warn().Msg("Live server is going away, session will end soon")
	}
}

func (s *Session) handleContent(sc *genai.LiveServerContent) {
	if sc.Interrupted {
		if s.sink != nil {
			s.sink.Flush()
		}
		if h := s.currentHandler(); h != nil {
			h.OnInterrupted()
		}
	}

	if sc.ModelTurn != nil && s.sink != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			blob := part.InlineData
			if !strings.HasPrefix(blob.MIMEType, "audio/") || len(blob.Data) == 0 {
				continue
			}
			if err := s.sink.WriteChunk(blob.Data); err != nil {
				s.log.Debug().Err(err).Msg("Dropping model audio")
				continue
			}
			s.metrics.RecordSpeakerChunk(len(blob.Data))
		}
	}

	if t := sc.InputTranscription; t != nil && t.Text != "" {
		s.log.Debug().Str("text", t.Text).Msg("User said")
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		s.log.Debug().Str("text", t.Text).Msg("Model said")
	}
	if sc.TurnComplete {
		s.log.Debug().Msg("Model turn complete")
	}
}

func (s *Session) handleToolCall(tc *genai.LiveServerToolCall) {
	h := s.currentHandler()

	responses := make([]*genai.FunctionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		if fc == nil {
			continue
		}
		call := live.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		result := live.FunctionResult{ID: call.ID, Name: call.Name, Err: live.ErrFunctionCallUnsupported}
		if h != nil {
			result = h.OnFunctionCall(call)
		}
		responses = append(responses, functionResponse(result))
	}
	if len(responses) == 0 {
		return
	}

	if err := s.acquire(context.Background()); err != nil {
		return
	}
	defer func() { <-s.writeSem }()
	if err := s.conn.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send tool response")
	}
}

func functionResponse(r live.FunctionResult) *genai.FunctionResponse {
	out := r.Output
	if out == nil {
		out = map[string]any{}
	}
	if r.Err != nil {
		if _, ok := out["error"]; !ok {
			out["error"] = r.Err.Error()
		}
	}
	return &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: out}
}

func (s *Session) currentHandler() live.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// finish ends the session after the receive loop stopped. A deliberate Close
// leaves Err nil.
func (s *Session) finish(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
		s.log.Warn().Err(err).Msg("Live session ended by server")
	}
	cancel := s.pumpCancel
	s.pumpCancel, s.pumpDone = nil, nil
	s.handler = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the server ended the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.pumpCancel
	s.pumpCancel, s.pumpDone = nil, nil
	s.handler = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.conn.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return err
}
