package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"live-vision-service/internal/service/diag"
	"live-vision-service/internal/service/frame"
	"live-vision-service/internal/service/live"
	"live-vision-service/internal/service/live/mock"
	"live-vision-service/internal/service/state"
)

// fakeClock is a manually advanced clock for throttler decisions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	c     *Coordinator
	tr    *mock.Transport
	rec   *diag.Recorder
	clock *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		tr:    mock.New(),
		rec:   &diag.Recorder{},
		clock: &fakeClock{now: time.Unix(1700000000, 0)},
	}
	opts.Sink = h.rec
	opts.Log = zerolog.Nop()
	opts.Now = h.clock.Now
	if opts.MinInterval == 0 {
		opts.MinInterval = 1500 * time.Millisecond
	}
	h.c = New(h.tr, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	t.Cleanup(func() {
		h.c.Close()
		cancel()
	})
	return h
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.c.StartConversation(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sync(t)
	if !h.c.State().Is(state.Connected) {
		t.Fatalf("expected CONNECTED, got %s", h.c.State())
	}
}

// submit offers a frame one throttle interval after the previous one.
func (h *harness) submit(release func()) bool {
	h.clock.Advance(2 * time.Second)
	return h.c.SubmitFrame(frame.New([]byte{0xFF, 0xD8, 0xFF}, frame.FormatJPEG, 1, 1, h.clock.Now(), release))
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

func TestCoordinator_Lifecycle(t *testing.T) {
	h := newHarness(t, Options{})

	if !h.c.State().Is(state.Disconnected) {
		t.Fatalf("expected DISCONNECTED, got %s", h.c.State())
	}

	h.c.Initialize()
	h.sync(t)
	if !h.c.State().Is(state.Ready) {
		t.Fatalf("expected READY, got %s", h.c.State())
	}
	if h.c.SessionID() == "" {
		t.Error("expected a session id after initialize")
	}

	h.c.StartConversation()
	h.sync(t)
	if !h.c.State().Is(state.Connected) {
		t.Fatalf("expected CONNECTED, got %s", h.c.State())
	}

	if !h.submit(nil) {
		t.Fatal("expected frame to be admitted while connected")
	}
	eventually(t, func() bool { return len(h.tr.Frames()) == 1 }, "frame was not transmitted")

	h.c.EndSession()
	h.sync(t)
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY, got %s", h.c.State())
	}
}

func TestCoordinator_PreconditionGating(t *testing.T) {
	h := newHarness(t, Options{})

	var released atomic.Int32
	release := func() { released.Add(1) }

	// Disconnected
	if h.submit(release) {
		t.Error("frame admitted while disconnected")
	}

	// Ready, conversation not started
	h.c.Initialize()
	h.sync(t)
	if h.submit(release) {
		t.Error("frame admitted while ready")
	}

	if n := h.tr.Counts().SendFrame; n != 0 {
		t.Errorf("expected no SendFrame calls, got %d", n)
	}
	if n := released.Load(); n != 2 {
		t.Errorf("expected 2 released frames, got %d", n)
	}
}

func TestCoordinator_DropNotQueue(t *testing.T) {
	h := newHarness(t, Options{})
	started := h.tr.HoldFrames()
	h.connect(t)

	if !h.submit(nil) {
		t.Fatal("first frame should be admitted")
	}
	<-started

	var released atomic.Bool
	if h.submit(func() { released.Store(true) }) {
		t.Fatal("frame admitted while an upload is in flight")
	}
	if !released.Load() {
		t.Error("dropped frame should be released")
	}

	h.tr.ReleaseFrame()
	eventually(t, func() bool { return len(h.tr.Frames()) == 1 }, "held frame did not complete")

	if n := h.tr.Counts().SendFrame; n != 1 {
		t.Errorf("expected exactly 1 SendFrame call, got %d", n)
	}
}

func TestCoordinator_Throttle(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	mk := func() *frame.Frame {
		return frame.New([]byte{0xFF, 0xD8}, frame.FormatJPEG, 1, 1, h.clock.Now(), nil)
	}

	if !h.c.SubmitFrame(mk()) {
		t.Fatal("first frame of a conversation should be admitted")
	}
	eventually(t, func() bool { return len(h.tr.Frames()) == 1 }, "first frame not sent")

	h.clock.Advance(400 * time.Millisecond)
	if h.c.SubmitFrame(mk()) {
		t.Error("frame within the interval should be throttled")
	}
	h.clock.Advance(1200 * time.Millisecond)
	if !h.c.SubmitFrame(mk()) {
		t.Error("frame after the interval should be admitted")
	}
}

func TestCoordinator_IdempotentEnd(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.c.EndSession()
	h.c.EndSession()
	h.sync(t)

	if n := h.tr.Counts().StopAudio; n != 1 {
		t.Errorf("expected 1 remote stop, got %d", n)
	}
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY, got %s", h.c.State())
	}
}

func TestCoordinator_EndWithoutConversation(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.EndSession()
	h.c.Initialize()
	h.c.EndSession()
	h.sync(t)

	if n := h.tr.Counts().StopAudio; n != 0 {
		t.Errorf("expected no remote stop, got %d", n)
	}
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY, got %s", h.c.State())
	}
}

func TestCoordinator_InitializeRecovers(t *testing.T) {
	h := newHarness(t, Options{})
	h.tr.SetErrors(errors.New("quota exceeded"), nil, nil, nil, nil)

	h.c.Initialize()
	h.sync(t)
	cur := h.c.State()
	if !cur.Is(state.Error) || cur.Message != "quota exceeded" {
		t.Fatalf("expected ERROR(quota exceeded), got %s", cur)
	}
	if n := h.rec.Count(diag.InitializationFailure); n != 1 {
		t.Errorf("expected 1 InitializationFailure, got %d", n)
	}

	h.tr.SetErrors(nil, nil, nil, nil, nil)
	h.c.Initialize()
	h.sync(t)
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY after retry, got %s", h.c.State())
	}
}

func TestCoordinator_InitializeIgnoredWhenReady(t *testing.T) {
	h := newHarness(t, Options{})

	h.c.Initialize()
	h.c.Initialize()
	h.sync(t)

	if n := h.tr.Counts().Connect; n != 1 {
		t.Errorf("expected 1 connect, got %d", n)
	}
}

func TestCoordinator_StartFailureThenEndReleasesSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.tr.SetErrors(nil, errors.New("audio device busy"), nil, nil, nil)

	h.c.Initialize()
	h.c.StartConversation()
	h.sync(t)
	if !h.c.State().Is(state.Error) {
		t.Fatalf("expected ERROR, got %s", h.c.State())
	}
	if n := h.rec.Count(diag.ConversationStartFailure); n != 1 {
		t.Errorf("expected 1 ConversationStartFailure, got %d", n)
	}
	stale := h.tr.LastSession()

	h.c.EndSession()
	h.sync(t)
	if !stale.Closed() {
		t.Error("expected stale session to be closed")
	}
	if n := h.tr.Counts().StopAudio; n != 0 {
		t.Errorf("expected no remote stop from error state, got %d", n)
	}
	if h.rec.Count(diag.SessionLost) != 0 {
		t.Error("closing a stale session on purpose is not a session loss")
	}

	h.tr.SetErrors(nil, nil, nil, nil, nil)
	h.connect(t)
	if h.tr.LastSession() == stale {
		t.Error("expected a fresh session after recovery")
	}
}

func TestCoordinator_ReinitializeClosesStaleSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.tr.SetErrors(nil, errors.New("audio device busy"), nil, nil, nil)

	h.c.Initialize()
	h.c.StartConversation()
	h.sync(t)
	stale := h.tr.LastSession()

	h.tr.SetErrors(nil, nil, nil, nil, nil)
	h.c.Initialize()
	h.sync(t)

	if !stale.Closed() {
		t.Error("expected old session closed on re-initialize")
	}
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY, got %s", h.c.State())
	}
	// Give a stale monitor the chance to misfire
	time.Sleep(20 * time.Millisecond)
	if !h.c.State().Is(state.Ready) || h.rec.Count(diag.SessionLost) != 0 {
		t.Errorf("stale session end must not affect state, got %s", h.c.State())
	}
}

func TestCoordinator_SessionLost(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.tr.LastSession().Kill(errors.New("socket closed"))
	eventually(t, func() bool { return h.c.State().Is(state.Error) }, "session loss did not move state to ERROR")

	if msg := h.c.State().Message; msg != "socket closed" {
		t.Errorf("expected reason socket closed, got %q", msg)
	}
	if n := h.rec.Count(diag.SessionLost); n != 1 {
		t.Errorf("expected 1 SessionLost, got %d", n)
	}
	if h.submit(nil) {
		t.Error("frame admitted after session loss")
	}

	h.c.Initialize()
	h.sync(t)
	if !h.c.State().Is(state.Ready) {
		t.Errorf("expected READY after re-initialize, got %s", h.c.State())
	}
}

func TestCoordinator_FunctionCallRefused(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	res, ok := h.tr.LastSession().CallFunction(live.FunctionCall{ID: "c1", Name: "open_door"})
	if !ok {
		t.Fatal("expected an active conversation handler")
	}
	if !errors.Is(res.Err, live.ErrFunctionCallUnsupported) {
		t.Errorf("expected ErrFunctionCallUnsupported, got %v", res.Err)
	}

	events := h.rec.Events()
	if len(events) != 1 || events[0].Kind != diag.FunctionCallUnsupported {
		t.Fatalf("expected a single FunctionCallUnsupported event, got %+v", events)
	}
	if events[0].SessionID == "" || events[0].SessionID != h.c.SessionID() {
		t.Errorf("expected event stamped with session id %q, got %q", h.c.SessionID(), events[0].SessionID)
	}
	if !h.c.State().Is(state.Connected) {
		t.Errorf("function call refusal must not change state, got %s", h.c.State())
	}
}

func TestCoordinator_Priming(t *testing.T) {
	h := newHarness(t, Options{PrimingMessage: "describe the scene"})
	h.connect(t)

	eventually(t, func() bool { return len(h.tr.Texts()) == 1 }, "priming message not sent")
	if texts := h.tr.Texts(); texts[0] != "describe the scene" {
		t.Errorf("unexpected priming text %q", texts[0])
	}
}

func TestCoordinator_PauseResume(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.c.Pause()
	var released atomic.Bool
	if h.submit(func() { released.Store(true) }) {
		t.Error("frame admitted while paused")
	}
	if !released.Load() {
		t.Error("paused frame should be released")
	}
	if !h.c.State().Is(state.Connected) {
		t.Errorf("pause must not change state, got %s", h.c.State())
	}

	h.c.Resume()
	if !h.submit(nil) {
		t.Error("frame should be admitted after resume")
	}
}

func TestCoordinator_Subscribe(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.c.Subscribe()
	defer w.Close()

	if snap := <-w.C(); !snap.State.Is(state.Disconnected) {
		t.Errorf("expected initial DISCONNECTED, got %s", snap.State)
	}

	h.connect(t)
	snap := <-w.C()
	if !snap.State.Is(state.Connected) || snap.Seq != 3 {
		t.Errorf("expected latest CONNECTED at seq 3, got %s at %d", snap.State, snap.Seq)
	}
}

func TestCoordinator_Close(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	sess := h.tr.LastSession()

	if err := h.c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.Close()

	if !sess.Closed() {
		t.Error("expected session closed")
	}
	if n := h.tr.Counts().StopAudio; n != 1 {
		t.Errorf("expected conversation stopped once on close, got %d", n)
	}
	if err := h.c.Initialize(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	var released atomic.Bool
	if h.submit(func() { released.Store(true) }) || !released.Load() {
		t.Error("frames after close should be rejected and released")
	}
}

func TestCoordinator_QueueFull(t *testing.T) {
	c := New(mock.New(), Options{QueueSize: 1, Log: zerolog.Nop()})
	defer c.Close()

	// Nothing drains the queue without Run
	if err := c.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.StartConversation(); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}
