package gemini

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"live-vision-service/internal/service/live"
)

// fakeConn feeds scripted server messages and records client writes.
type fakeConn struct {
	msgs    chan *genai.LiveServerMessage
	closed  chan struct{}
	once    sync.Once
	recvErr error

	mu       sync.Mutex
	inputs   []genai.LiveRealtimeInput
	toolResp []genai.LiveToolResponseInput
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan *genai.LiveServerMessage, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	return nil
}

func (c *fakeConn) SendToolResponse(in genai.LiveToolResponseInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResp = append(c.toolResp, in)
	return nil
}

func (c *fakeConn) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return nil, c.recvErr
		}
		return m, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) snapshot() ([]genai.LiveRealtimeInput, []genai.LiveToolResponseInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]genai.LiveRealtimeInput{}, c.inputs...), append([]genai.LiveToolResponseInput{}, c.toolResp...)
}

type fakeSink struct {
	mu      sync.Mutex
	chunks  [][]byte
	flushes int
}

func (s *fakeSink) WriteChunk(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, pcm)
	return nil
}

func (s *fakeSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.flushes
}

type chanSource chan []byte

func (c chanSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testHandler struct {
	mu          sync.Mutex
	calls       []live.FunctionCall
	interrupted int
}

func (h *testHandler) OnFunctionCall(call live.FunctionCall) live.FunctionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return live.FunctionResult{ID: call.ID, Name: call.Name, Err: live.ErrFunctionCallUnsupported}
}

func (h *testHandler) OnInterrupted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupted++
}

func (h *testHandler) interruptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_SendFrameAndText(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, sessionConfig{log: zerolog.Nop()})
	defer s.Close()

	ctx := context.Background()
	if err := s.SendFrame(ctx, []byte{0xFF, 0xD8}, "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SendText(ctx, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inputs, _ := conn.snapshot()
	if len(inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(inputs))
	}
	if v := inputs[0].Video; v == nil || v.MIMEType != "image/jpeg" || len(v.Data) != 2 {
		t.Errorf("unexpected video input %+v", inputs[0])
	}
	if inputs[1].Text != "hello" {
		t.Errorf("expected text input, got %+v", inputs[1])
	}
}

func TestSession_AudioAndInterrupt(t *testing.T) {
	conn := newFakeConn()
	sink := &fakeSink{}
	s := newSession(conn, sessionConfig{sink: sink, log: zerolog.Nop()})
	defer s.Close()

	h := &testHandler{}
	s.StartDuplexAudio(context.Background(), h)

	conn.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
			{Text: "ignored"},
		}},
	}}
	conn.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}

	eventually(t, func() bool { return h.interruptions() == 1 }, "interruption not delivered")
	chunks, flushes := sink.counts()
	if chunks != 1 {
		t.Errorf("expected 1 audio chunk, got %d", chunks)
	}
	if flushes != 1 {
		t.Errorf("expected playback flushed on interruption, got %d", flushes)
	}
}

func TestSession_ToolCallRefused(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, sessionConfig{log: zerolog.Nop()})
	defer s.Close()

	h := &testHandler{}
	s.StartDuplexAudio(context.Background(), h)

	conn.msgs <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "1", Name: "lookup", Args: map[string]any{"q": "x"}}},
	}}

	eventually(t, func() bool {
		_, resp := conn.snapshot()
		return len(resp) == 1
	}, "tool response not sent")

	_, resp := conn.snapshot()
	fr := resp[0].FunctionResponses
	if len(fr) != 1 || fr[0].ID != "1" || fr[0].Name != "lookup" {
		t.Fatalf("unexpected function responses %+v", fr)
	}
	if fr[0].Response["error"] != live.ErrFunctionCallUnsupported.Error() {
		t.Errorf("expected error response, got %v", fr[0].Response)
	}
}

func TestSession_MicPump(t *testing.T) {
	conn := newFakeConn()
	src := make(chanSource, 4)
	s := newSession(conn, sessionConfig{source: src, inputRate: 16000, log: zerolog.Nop()})
	defer s.Close()

	if err := s.StartDuplexAudio(context.Background(), &testHandler{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src <- []byte{1, 2, 3, 4}

	eventually(t, func() bool {
		in, _ := conn.snapshot()
		return len(in) == 1
	}, "mic chunk not sent")

	if err := s.StopDuplexAudio(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inputs, _ := conn.snapshot()
	if a := inputs[0].Audio; a == nil || a.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("unexpected audio input %+v", inputs[0])
	}
	last := inputs[len(inputs)-1]
	if !last.AudioStreamEnd {
		t.Errorf("expected audio stream end after stop, got %+v", last)
	}
}

func TestSession_ServerEnd(t *testing.T) {
	conn := newFakeConn()
	conn.recvErr = errors.New("websocket: close 1011")
	s := newSession(conn, sessionConfig{log: zerolog.Nop()})

	close(conn.msgs)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Done after server end")
	}
	if s.Err() == nil {
		t.Error("expected Err to report the server end")
	}
	if err := s.SendFrame(context.Background(), []byte{1}, "image/jpeg"); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_CloseIsClean(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, sessionConfig{log: zerolog.Nop()})

	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done after Close")
	}
	// Give the receive loop time to observe the closed connection
	time.Sleep(10 * time.Millisecond)
	if err := s.Err(); err != nil {
		t.Errorf("deliberate close should leave Err nil, got %v", err)
	}
}

func TestConnectConfig(t *testing.T) {
	cfg := connectConfig(live.Config{Voice: "Erinome", SystemInstruction: "be brief"})

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("expected audio modality, got %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Erinome" {
		t.Error("expected prebuilt voice Erinome")
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("expected system instruction")
	}

	bare := connectConfig(live.Config{})
	if bare.SpeechConfig != nil || bare.SystemInstruction != nil {
		t.Error("expected no voice or instruction when unset")
	}
}

func TestFunctionResponse(t *testing.T) {
	r := functionResponse(live.FunctionResult{ID: "a", Name: "b", Err: errors.New("nope")})
	if r.Response["error"] != "nope" {
		t.Errorf("expected error in response, got %v", r.Response)
	}

	r = functionResponse(live.FunctionResult{ID: "a", Name: "b", Output: map[string]any{"ok": true}})
	if r.Response["ok"] != true {
		t.Errorf("expected output passed through, got %v", r.Response)
	}
}
