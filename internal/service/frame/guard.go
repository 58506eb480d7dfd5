package frame

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/diag"
)

// DefaultSendTimeout bounds a single frame transmission.
const DefaultSendTimeout = 10 * time.Second

// Sender transmits an encoded frame. live.Session satisfies it.
type Sender interface {
	SendFrame(ctx context.Context, data []byte, mimeType string) error
}

// GuardConfig configures an UploadGuard.
type GuardConfig struct {
	// Ready reports whether transmission is currently allowed (session Connected).
	Ready func() bool
	// Encoder defaults to DefaultJPEGEncoder.
	Encoder Encoder
	// SendTimeout defaults to DefaultSendTimeout.
	SendTimeout time.Duration
	// StarvationAfter emits a FrameStarvation diagnostic when this many frames
	// in a row were dropped because the slot was held. Zero disables it.
	StarvationAfter uint64

	Sink    diag.Sink
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// UploadGuard admits at most one encode+transmit at a time.
//
// Algorithm:
//  1. Check the Ready precondition (no-op returning false otherwise)
//  2. Try to take the single slot without blocking
//  3. Slot held → release the frame and return false (drop, never queue or retry)
//  4. Slot taken → encode and send on a background goroutine, return true
//  5. The slot is given back by a deferred receive on every exit path,
//     including encode errors, send errors, timeouts and panics
type UploadGuard struct {
	slot        chan struct{}
	ready       func() bool
	encoder     Encoder
	sendTimeout time.Duration
	starveAfter uint64

	drops atomic.Uint64 // consecutive busy drops, reset when a frame is admitted

	sink    diag.Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewUploadGuard creates a guard with a free slot.
func NewUploadGuard(cfg GuardConfig) *UploadGuard {
	g := &UploadGuard{
		slot:        make(chan struct{}, 1),
		ready:       cfg.Ready,
		encoder:     cfg.Encoder,
		sendTimeout: cfg.SendTimeout,
		starveAfter: cfg.StarvationAfter,
		sink:        cfg.Sink,
		log:         cfg.Log.With().Str("component", "upload").Logger(),
		metrics:     cfg.Metrics,
	}
	if g.encoder == nil {
		g.encoder = DefaultJPEGEncoder()
	}
	if g.sendTimeout <= 0 {
		g.sendTimeout = DefaultSendTimeout
	}
	if g.sink == nil {
		g.sink = diag.Discard
	}
	if g.metrics == nil {
		g.metrics = metrics.DefaultMetrics
	}
	return g
}

// TrySend starts transmitting f to s if the precondition holds and no other
// transmission is in flight. It never blocks on the network. When it returns
// false the frame has already been released.
func (g *UploadGuard) TrySend(f *Frame, s Sender) bool {
	if s == nil || (g.ready != nil && !g.ready()) {
		g.metrics.RecordFrameRejected(metrics.RejectNotConnected)
		f.Release()
		return false
	}

	select {
	case g.slot <- struct{}{}:
	default:
		n := g.drops.Add(1)
		g.metrics.RecordFrameRejected(metrics.RejectBusy)
		g.metrics.SetBusyDropStreak(n)
		if g.starveAfter > 0 && n == g.starveAfter {
			g.sink.Emit(diag.Event{
				Kind:      diag.FrameStarvation,
				Component: "upload",
				Message:   "frames keep arriving while an upload is still in flight",
				Fields:    map[string]string{"consecutiveDrops": strconv.FormatUint(n, 10)},
				Time:      time.Now(),
			})
		}
		f.Release()
		return false
	}

	g.drops.Store(0)
	g.metrics.SetBusyDropStreak(0)
	go g.transmit(f, s)
	return true
}

func (g *UploadGuard) transmit(f *Frame, s Sender) {
	defer func() { <-g.slot }()
	defer f.Release()
	defer func() {
		if r := recover(); r != nil {
			g.fail("send", fmt.Errorf("panic during frame upload: %v", r))
		}
	}()

	start := time.Now()
	data, mimeType, err := g.encoder.Encode(f)
	if err != nil {
		g.fail("encode", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.sendTimeout)
	defer cancel()
	if err := s.SendFrame(ctx, data, mimeType); err != nil {
		g.fail("send", err)
		return
	}

	elapsed := time.Since(start)
	g.metrics.RecordFrameSent(len(data), elapsed.Seconds())
	g.log.Debug().
		Int("bytes", len(data)).
		Dur("latency", elapsed).
		Time("capturedAt", f.Timestamp).
		Msg("Frame sent")
}

// fail reports a single lost frame. Connection state is not touched.
func (g *UploadGuard) fail(stage string, err error) {
	g.metrics.RecordFrameFailed(stage)
	g.sink.Emit(diag.Event{
		Kind:      diag.FrameTransmitFailure,
		Component: "upload",
		Message:   "frame " + stage + " failed",
		Err:       err,
		Fields:    map[string]string{"stage": stage},
		Time:      time.Now(),
	})
}

// Busy reports whether a transmission is in flight.
func (g *UploadGuard) Busy() bool {
	return len(g.slot) == 1
}

// ConsecutiveDrops returns how many frames in a row were dropped as busy.
func (g *UploadGuard) ConsecutiveDrops() uint64 {
	return g.drops.Load()
}

// Wait blocks until no transmission is in flight or ctx is done.
func (g *UploadGuard) Wait(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		<-g.slot
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
