package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"live-vision-service/internal/models"
	"live-vision-service/internal/service/diag"
	"live-vision-service/internal/service/state"
)

const publishTimeout = 5 * time.Second

// StatePublisher is the part of Publisher used by RelayStates.
type StatePublisher interface {
	PublishState(ctx context.Context, key string, event any) error
}

// DiagnosticPublisher is the part of Publisher used by DiagnosticSink.
type DiagnosticPublisher interface {
	PublishDiagnostic(ctx context.Context, key string, event any) error
}

// RelayStates publishes every snapshot delivered by w until ctx is done or the
// watcher is closed. Intermediate states a slow broker could not keep up with
// are skipped, the latest one is always published.
func RelayStates(ctx context.Context, w *state.Watcher, sessionID func() string, p StatePublisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-w.C():
			if !ok {
				return
			}
			ev := StateEvent(snap, sessionID())
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.PublishState(pctx, ev.SessionID, ev); err != nil {
				log.Warn().Err(err).Str("state", ev.State).Msg("Failed to publish state event")
			}
			cancel()
		}
	}
}

// StateEvent converts a state snapshot to its published form.
func StateEvent(snap state.Snapshot, sessionID string) models.SessionStateEvent {
	ev := models.SessionStateEvent{
		EventType: models.EventTypeState,
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		State:     snap.State.Kind.String(),
		Seq:       snap.Seq,
		Timestamp: snap.At.UnixMilli(),
	}
	if snap.State.Is(state.Error) {
		ev.Message = snap.State.Message
	}
	return ev
}

// DiagnosticEvent converts a diagnostic to its published form.
func DiagnosticEvent(ev diag.Event) models.DiagnosticEvent {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	out := models.DiagnosticEvent{
		EventType: models.EventTypeDiagnostic,
		EventID:   uuid.NewString(),
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		Component: ev.Component,
		Message:   ev.Message,
		Fields:    ev.Fields,
		Timestamp: at.UnixMilli(),
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

// DiagnosticSink publishes diagnostics from a background goroutine so Emit
// never waits on the broker. When the queue is full the event is dropped.
type DiagnosticSink struct {
	p     DiagnosticPublisher
	queue chan models.DiagnosticEvent
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDiagnosticSink starts a sink publishing through p.
func NewDiagnosticSink(p DiagnosticPublisher, depth int) *DiagnosticSink {
	if depth <= 0 {
		depth = 64
	}
	s := &DiagnosticSink{
		p:     p,
		queue: make(chan models.DiagnosticEvent, depth),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit implements diag.Sink.
func (s *DiagnosticSink) Emit(ev diag.Event) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.queue <- DiagnosticEvent(ev):
	default:
		log.Warn().Str("diagnostic", string(ev.Kind)).Msg("Diagnostic queue full, event dropped")
	}
}

func (s *DiagnosticSink) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.publish(ev)
		case <-s.stop:
			// Drain what is already queued.
			for {
				select {
				case ev := <-s.queue:
					s.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *DiagnosticSink) publish(ev models.DiagnosticEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.p.PublishDiagnostic(ctx, ev.SessionID, ev); err != nil {
		log.Warn().Err(err).Str("diagnostic", ev.Kind).Msg("Failed to publish diagnostic")
	}
}

// Close publishes queued events and stops the sink. Idempotent.
func (s *DiagnosticSink) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}
