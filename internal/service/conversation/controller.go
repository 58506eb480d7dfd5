// Package conversation controls the duplex audio conversation over a live session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/diag"
	"live-vision-service/internal/service/live"
	"live-vision-service/internal/service/state"
)

// DefaultPrimingMessage asks the model to open the conversation with a scene description.
const DefaultPrimingMessage = "Hello. Greet the user and describe the current scene to get started."

const primingTimeout = 10 * time.Second

// Errors returned by Start.
var (
	ErrNotReady  = errors.New("conversation requires a ready session")
	ErrNoSession = errors.New("no live session")
)

// Config configures a Controller.
type Config struct {
	// PrimingMessage is sent right after the conversation starts. Empty disables it.
	PrimingMessage string

	Sink    diag.Sink
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Controller starts and stops the duplex audio conversation and drives the
// Ready → Connecting → Connected → Ready part of the state machine.
// Start and Stop are serialized.
type Controller struct {
	machine *state.Machine
	priming string

	opMu sync.Mutex
	// gen changes on every start and stop; a priming send only goes out if
	// the conversation it was scheduled for is still the current one.
	gen       atomic.Uint64
	primingWG sync.WaitGroup

	sink    diag.Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewController creates a controller driving machine.
func NewController(machine *state.Machine, cfg Config) *Controller {
	c := &Controller{
		machine: machine,
		priming: cfg.PrimingMessage,
		sink:    cfg.Sink,
		log:     cfg.Log.With().Str("component", "conversation").Logger(),
		metrics: cfg.Metrics,
	}
	if c.sink == nil {
		c.sink = diag.Discard
	}
	if c.metrics == nil {
		c.metrics = metrics.DefaultMetrics
	}
	return c
}

// Start begins the duplex audio conversation on sess.
// It is a no-op returning nil while already Connected, and returns ErrNotReady
// from any state other than Ready.
func (c *Controller) Start(ctx context.Context, sess live.Session) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	cur := c.machine.Current()
	if cur.Is(state.Connected) {
		return nil
	}
	if !cur.Is(state.Ready) {
		return fmt.Errorf("%w: state is %s", ErrNotReady, cur)
	}
	if sess == nil {
		c.log.Error().Msg("Session is nil, cannot start conversation")
		return ErrNoSession
	}

	if err := c.machine.BeginConnecting(); err != nil {
		return err
	}

	if err := sess.StartDuplexAudio(ctx, &handler{c: c}); err != nil {
		c.metrics.RecordConversationStarted(err)
		c.sink.Emit(diag.Event{
			Kind:      diag.ConversationStartFailure,
			Component: "conversation",
			Message:   "failed to start audio conversation",
			Err:       err,
			Time:      time.Now(),
		})
		if terr := c.machine.ConnectFailed(reason(err, "start conversation failed")); terr != nil {
			c.log.Warn().Err(terr).Msg("Could not record conversation start failure")
		}
		return fmt.Errorf("start duplex audio: %w", err)
	}

	if err := c.machine.SessionActive(); err != nil {
		// The session failed while audio was starting; undo the audio start.
		c.log.Warn().Err(err).Msg("State moved on during conversation start")
		if serr := sess.StopDuplexAudio(ctx); serr != nil {
			c.log.Warn().Err(serr).Msg("Stop after aborted start failed")
		}
		return err
	}

	c.metrics.RecordConversationStarted(nil)
	c.log.Info().Msg("Audio conversation started")

	gen := c.gen.Add(1)
	if c.priming != "" {
		c.primingWG.Add(1)
		go c.prime(sess, gen)
	}
	return nil
}

// prime sends the priming text. Failure is reported but does not affect the
// Connected state.
func (c *Controller) prime(sess live.Session, gen uint64) {
	defer c.primingWG.Done()

	if c.gen.Load() != gen || !c.machine.Current().Is(state.Connected) {
		c.log.Debug().Msg("Conversation ended before priming, skipping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), primingTimeout)
	defer cancel()
	if err := sess.SendText(ctx, c.priming); err != nil {
		c.metrics.RecordPrimingFailure()
		c.sink.Emit(diag.Event{
			Kind:      diag.PrimingFailure,
			Component: "conversation",
			Message:   "failed to send priming message",
			Err:       err,
			Time:      time.Now(),
		})
		return
	}
	c.log.Debug().Msg("Priming message sent")
}

// Stop ends the conversation. It only acts while Connected and reports whether
// it did; repeated calls and a nil session are safe. The state returns to Ready
// whether or not the remote stop succeeded.
func (c *Controller) Stop(ctx context.Context, sess live.Session) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.machine.Current().Is(state.Connected) {
		return false
	}
	c.gen.Add(1)

	if sess != nil {
		if err := sess.StopDuplexAudio(ctx); err != nil {
			c.sink.Emit(diag.Event{
				Kind:      diag.StopFailure,
				Component: "conversation",
				Message:   "error stopping audio conversation",
				Err:       err,
				Time:      time.Now(),
			})
		}
	}

	c.metrics.RecordConversationStopped()
	if err := c.machine.Ended(); err != nil {
		c.log.Warn().Err(err).Msg("State moved on during conversation stop")
		return true
	}
	c.log.Info().Msg("Audio conversation stopped")
	return true
}

// Wait blocks until any pending priming send has finished.
func (c *Controller) Wait() {
	c.primingWG.Wait()
}

// handler answers session callbacks for the current conversation.
type handler struct {
	c *Controller
}

// OnFunctionCall refuses every call: no tools are declared to the model, but
// the session still expects a response.
func (h *handler) OnFunctionCall(call live.FunctionCall) live.FunctionResult {
	h.c.metrics.RecordFunctionCallRefused(call.Name)
	h.c.sink.Emit(diag.Event{
		Kind:      diag.FunctionCallUnsupported,
		Component: "conversation",
		Message:   "model requested an unsupported function",
		Err:       live.ErrFunctionCallUnsupported,
		Fields:    map[string]string{"function": call.Name, "callId": call.ID},
		Time:      time.Now(),
	})
	return live.FunctionResult{
		ID:     call.ID,
		Name:   call.Name,
		Output: map[string]any{"error": live.ErrFunctionCallUnsupported.Error()},
		Err:    live.ErrFunctionCallUnsupported,
	}
}

// OnInterrupted records a barge-in.
func (h *handler) OnInterrupted() {
	h.c.metrics.RecordInterruption()
	h.c.log.Debug().Msg("Model turn interrupted by user")
}

func reason(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}
