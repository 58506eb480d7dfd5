package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-vision-service/internal/app"
	"live-vision-service/internal/device"
	"live-vision-service/internal/service/coordinator"
	"live-vision-service/internal/service/frame"
	"live-vision-service/internal/service/state"
)

const (
	defaultSyncTimeout    = 20 * time.Second
	defaultMaxUploadBytes = 8 << 20
)

// Coordinator is the session surface exposed over HTTP.
type Coordinator interface {
	Initialize() error
	StartConversation() error
	EndSession() error
	Sync(ctx context.Context) error
	SubmitFrame(f *frame.Frame) bool
	Pause()
	Resume()
	Paused() bool
	Snapshot() state.Snapshot
	Subscribe() *state.Watcher
	SessionID() string
}

// Options configures the router.
type Options struct {
	// Bridge carries device audio. Nil disables audio on the device socket.
	Bridge *device.Bridge
	// SyncTimeout bounds how long a session command waits for its result
	// before answering 202.
	SyncTimeout    time.Duration
	MaxUploadBytes int64
	Log            zerolog.Logger
}

type handler struct {
	application *app.Application
	coord       Coordinator
	bridge      *device.Bridge
	syncTimeout time.Duration
	maxUpload   int64
	log         zerolog.Logger

	upgrader websocket.Upgrader
	device   atomic.Bool
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application, coord Coordinator, opts Options) http.Handler {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	h := &handler{
		application: application,
		coord:       coord,
		bridge:      opts.Bridge,
		syncTimeout: opts.SyncTimeout,
		maxUpload:   opts.MaxUploadBytes,
		log:         opts.Log.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if h.application != nil && h.application.StartupTime.IsZero() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/state", h.getState)
			r.Post("/initialize", h.command(func() error { return h.coord.Initialize() }))
			r.Post("/start", h.command(func() error { return h.coord.StartConversation() }))
			r.Post("/end", h.command(func() error { return h.coord.EndSession() }))
			r.Post("/pause", h.command(func() error { h.coord.Pause(); return nil }))
			r.Post("/resume", h.command(func() error { h.coord.Resume(); return nil }))
		})
		r.Post("/frames", h.postFrame)
		r.Get("/live", h.live)
	})

	return r
}

type stateResponse struct {
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"sessionId,omitempty"`
	Paused    bool      `json:"paused"`
	At        time.Time `json:"at"`
}

func (h *handler) stateBody() stateResponse {
	snap := h.coord.Snapshot()
	return stateResponse{
		State:     snap.State.Kind.String(),
		Message:   snap.State.Message,
		Seq:       snap.Seq,
		SessionID: h.coord.SessionID(),
		Paused:    h.coord.Paused(),
		At:        snap.At,
	}
}

func (h *handler) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stateBody())
}

// command queues a session request and answers with the state once the
// request has run. A request still queued when the sync timeout expires is
// answered with 202 and keeps running.
func (h *handler) command(enqueue func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := enqueue(); err != nil {
			h.writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.syncTimeout)
		defer cancel()

		status := http.StatusOK
		if err := h.coord.Sync(ctx); err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				h.writeError(w, err)
				return
			}
			status = http.StatusAccepted
		}
		writeJSON(w, status, h.stateBody())
	}
}

func (h *handler) postFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, ok := frame.ParseFormat(q.Get("format"))
	if !ok {
		http.Error(w, "unknown frame format", http.StatusBadRequest)
		return
	}
	width, werr := atoiOrZero(q.Get("width"))
	height, herr := atoiOrZero(q.Get("height"))
	if werr != nil || herr != nil {
		http.Error(w, "invalid frame geometry", http.StatusBadRequest)
		return
	}
	if format != frame.FormatJPEG && (width <= 0 || height <= 0) {
		http.Error(w, "width and height are required for raw frames", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty frame", http.StatusBadRequest)
		return
	}

	admitted := h.coord.SubmitFrame(frame.New(data, format, width, height, time.Now(), nil))
	writeJSON(w, http.StatusOK, map[string]bool{"admitted": admitted})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, coordinator.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	h.log.Warn().Err(err).Int("status", status).Msg("Session request rejected")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
