// Package coordinator ties the live session, the connection state machine,
// frame admission and the audio conversation into one single-session service.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/conversation"
	"live-vision-service/internal/service/diag"
	"live-vision-service/internal/service/frame"
	"live-vision-service/internal/service/live"
	"live-vision-service/internal/service/state"
)

// Errors returned by the session entry points.
var (
	ErrBusy           = errors.New("session request queue full")
	ErrClosed         = errors.New("coordinator closed")
	ErrAlreadyRunning = errors.New("coordinator already running")
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultQueueSize      = 8
)

// Options configures a Coordinator. Zero values use the package defaults.
type Options struct {
	MinInterval     time.Duration
	Encoder         frame.Encoder
	SendTimeout     time.Duration
	ConnectTimeout  time.Duration
	StarvationAfter uint64
	QueueSize       int

	Live           live.Config
	PrimingMessage string

	Sink    diag.Sink
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Coordinator owns the remote session and is the only caller of the state
// machine's transition methods.
//
// Session-level requests (Initialize, StartConversation, EndSession) are queued
// and run one at a time, in order, on the worker started by Run. Frames enter
// through SubmitFrame from any goroutine and never wait on the network.
type Coordinator struct {
	transport live.Transport
	opts      Options

	machine   *state.Machine
	throttler *frame.Throttler
	guard     *frame.UploadGuard
	conv      *conversation.Controller

	tasks     chan task
	quit      chan struct{}
	done      chan struct{}
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	monitors  sync.WaitGroup

	// mu guards the session handle. gen changes whenever the held session is
	// replaced or dropped, so a monitor for an old session can tell it is stale.
	mu        sync.Mutex
	sess      live.Session
	sessionID string
	gen       uint64

	paused atomic.Bool

	sink    diag.Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a coordinator in the Disconnected state. Call Run to start
// processing session requests.
func New(transport live.Transport, opts Options) *Coordinator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = frame.DefaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Sink == nil {
		opts.Sink = diag.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		transport: transport,
		opts:      opts,
		tasks:     make(chan task, opts.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       opts.Log.With().Str("component", "coordinator").Logger(),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	c.sink = &sessionSink{c: c, next: opts.Sink}

	c.machine = state.NewMachine(opts.Log, opts.Metrics)
	c.throttler = frame.NewThrottler(opts.MinInterval)
	c.guard = frame.NewUploadGuard(frame.GuardConfig{
		Ready:           c.connected,
		Encoder:         opts.Encoder,
		SendTimeout:     opts.SendTimeout,
		StarvationAfter: opts.StarvationAfter,
		Sink:            c.sink,
		Log:             opts.Log,
		Metrics:         opts.Metrics,
	})
	c.conv = conversation.NewController(c.machine, conversation.Config{
		PrimingMessage: opts.PrimingMessage,
		Sink:           c.sink,
		Log:            opts.Log,
		Metrics:        opts.Metrics,
	})
	return c
}

// Run processes queued session requests until ctx is done or Close is called.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	c.log.Info().Msg("Session worker started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Session worker stopped")
			return ctx.Err()
		case <-c.quit:
			c.log.Info().Msg("Session worker stopped")
			return nil
		case t := <-c.tasks:
			select {
			case <-c.quit:
				return nil
			default:
			}
			c.runTask(ctx, t)
		}
	}
}

func (c *Coordinator) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("task", t.name).
				Interface("panic", r).
				Msg("Session task panicked")
		}
	}()
	c.log.Debug().Str("task", t.name).Msg("Running session task")
	t.fn(ctx)
}

func (c *Coordinator) enqueue(name string, fn func(ctx context.Context)) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.tasks <- task{name: name, fn: fn}:
		return nil
	default:
		c.log.Warn().Str("task", name).Msg("Session request queue full, request dropped")
		return ErrBusy
	}
}

// Initialize requests a new remote session. It acts only from Disconnected or
// Error; a failure moves the state to Error.
func (c *Coordinator) Initialize() error {
	return c.enqueue("initialize", c.initialize)
}

// StartConversation requests the duplex audio conversation. It acts only from
// Ready and is ignored while already Connected.
func (c *Coordinator) StartConversation() error {
	return c.enqueue("start", c.startConversation)
}

// EndSession requests the conversation to stop. The remote stop is only issued
// while Connected, so repeated calls are safe.
func (c *Coordinator) EndSession() error {
	return c.enqueue("end", c.endSession)
}

// Sync waits until every request queued before it has run.
func (c *Coordinator) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if err := c.enqueue("sync", func(context.Context) { close(reached) }); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) initialize(ctx context.Context) {
	cur := c.machine.Current()
	if !cur.Is(state.Disconnected) && !cur.Is(state.Error) {
		c.log.Debug().Str("state", cur.String()).Msg("Initialize ignored, session already initialized")
		return
	}

	c.dropSession()

	id := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	sess, err := c.transport.Connect(cctx, c.opts.Live)
	if err != nil {
		c.sink.Emit(diag.Event{
			Kind:      diag.InitializationFailure,
			Component: "coordinator",
			SessionID: id,
			Message:   "failed to open live session",
			Err:       err,
			Time:      c.now(),
		})
		if terr := c.machine.InitFailed(failureReason(err, "initialization failed")); terr != nil {
			c.log.Warn().Err(terr).Msg("Could not record initialization failure")
		}
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.sess = sess
	c.sessionID = id
	c.mu.Unlock()

	c.metrics.RecordSessionOpened()
	if err := c.machine.InitSucceeded(); err != nil {
		c.log.Warn().Err(err).Msg("Could not record initialization")
	}
	c.log.Info().Str("sessionId", id).Str("model", c.opts.Live.Model).Msg("Live session initialized")

	c.monitors.Add(1)
	go c.monitor(sess, gen, id)
}

func (c *Coordinator) startConversation(ctx context.Context) {
	c.throttler.Reset()

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := c.conv.Start(cctx, c.session()); err != nil {
		c.log.Debug().Err(err).Msg("Conversation not started")
	}
}

func (c *Coordinator) endSession(ctx context.Context) {
	cur := c.machine.Current()
	if cur.Is(state.Connected) {
		cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		c.conv.Stop(cctx, c.session())
		return
	}

	if cur.Is(state.Error) && c.session() != nil {
		c.log.Info().Msg("Releasing stale session held in error state")
		c.dropSession()
		return
	}
	c.log.Debug().Str("state", cur.String()).Msg("End session ignored, no conversation running")
}

// monitor turns an unexpected end of the current session into an Error state.
func (c *Coordinator) monitor(sess live.Session, gen uint64, id string) {
	defer c.monitors.Done()

	select {
	case <-sess.Done():
	case <-c.quit:
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		// Replaced or closed on purpose.
		c.mu.Unlock()
		return
	}
	c.gen++
	c.sess = nil
	c.mu.Unlock()

	err := sess.Err()
	c.metrics.RecordSessionLost()
	c.sink.Emit(diag.Event{
		Kind:      diag.SessionLost,
		Component: "coordinator",
		SessionID: id,
		Message:   "live session ended unexpectedly",
		Err:       err,
		Time:      c.now(),
	})
	if terr := c.machine.Fail(failureReason(err, "live session ended")); terr != nil {
		c.log.Warn().Err(terr).Msg("Could not record session loss")
	}
	if cerr := sess.Close(); cerr != nil {
		c.log.Debug().Err(cerr).Msg("Close after session loss failed")
	}
}

// dropSession forgets and closes the held session, if any.
func (c *Coordinator) dropSession() {
	c.mu.Lock()
	sess, id := c.sess, c.sessionID
	c.sess = nil
	c.sessionID = ""
	c.gen++
	c.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("Error closing live session")
		return
	}
	c.log.Info().Str("sessionId", id).Msg("Live session closed")
}

func (c *Coordinator) session() live.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Coordinator) connected() bool {
	return c.machine.Current().Is(state.Connected)
}

// SubmitFrame offers a camera frame for transmission and reports whether it
// was admitted. It is safe to call from any goroutine and never blocks on the
// network. Every frame is released exactly once, admitted or not.
func (c *Coordinator) SubmitFrame(f *frame.Frame) bool {
	c.metrics.RecordFrameReceived()

	if c.closed.Load() {
		c.metrics.RecordFrameRejected(metrics.RejectNotConnected)
		f.Release()
		return false
	}
	if c.paused.Load() {
		c.metrics.RecordFrameRejected(metrics.RejectPaused)
		f.Release()
		return false
	}
	if !c.throttler.Offer(f, c.now()) {
		c.metrics.RecordFrameThrottled()
		return false
	}

	return c.guard.TrySend(f, c.session())
}

// Pause stops admitting frames without touching the connection state.
func (c *Coordinator) Pause() {
	if c.paused.CompareAndSwap(false, true) {
		c.log.Info().Msg("Frame feed paused")
	}
}

// Resume admits frames again. The next frame is not throttled.
func (c *Coordinator) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		c.throttler.Reset()
		c.log.Info().Msg("Frame feed resumed")
	}
}

// Paused reports whether the frame feed is paused.
func (c *Coordinator) Paused() bool {
	return c.paused.Load()
}

// State returns the current connection state.
func (c *Coordinator) State() state.State {
	return c.machine.Current()
}

// Snapshot returns the current connection state with its sequence number.
func (c *Coordinator) Snapshot() state.Snapshot {
	return c.machine.Snapshot()
}

// Subscribe returns a watcher delivering the latest connection state.
func (c *Coordinator) Subscribe() *state.Watcher {
	return c.machine.Subscribe()
}

// SessionID returns the id of the held session, or "" if none.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close stops the worker, waits for the in-flight upload, ends any running
// conversation and closes the remote session. Idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		if c.running.Load() {
			<-c.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
		defer cancel()
		if err := c.guard.Wait(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Frame upload still in flight at shutdown")
		}

		if c.connected() {
			c.conv.Stop(ctx, c.session())
		}
		c.conv.Wait()
		c.dropSession()
		c.monitors.Wait()
		c.log.Info().Msg("Coordinator closed")
	})
	return nil
}

// sessionSink stamps diagnostics with the current session id.
type sessionSink struct {
	c    *Coordinator
	next diag.Sink
}

func (s *sessionSink) Emit(ev diag.Event) {
	if ev.SessionID == "" {
		ev.SessionID = s.c.SessionID()
	}
	s.next.Emit(ev)
}

func failureReason(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}
