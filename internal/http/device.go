package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-vision-service/internal/device"
	"live-vision-service/internal/service/frame"
	"live-vision-service/internal/service/state"
)

const (
	writeWait    = 5 * time.Second
	controlDepth = 8
)

// live serves the device socket. One device at a time: it carries camera
// frames and microphone audio in, state pushes and model audio out.
func (h *handler) live(w http.ResponseWriter, r *http.Request) {
	if !h.device.CompareAndSwap(false, true) {
		http.Error(w, "a device is already connected", http.StatusConflict)
		return
	}
	defer h.device.Store(false)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Device socket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxUpload)

	deviceID := uuid.NewString()
	log := h.log.With().Str("deviceId", deviceID).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("Device connected")

	watcher := h.coord.Subscribe()
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan device.Control, controlDepth)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, watcher, out, log)
	}()

	h.readLoop(conn, out, log)
	cancel()
	<-writerDone

	// A device that goes away cannot hear the conversation any more.
	if err := h.coord.EndSession(); err != nil {
		log.Debug().Err(err).Msg("Could not end session after device left")
	}
	log.Info().Msg("Device disconnected")
}

func (h *handler) readLoop(conn *websocket.Conn, out chan<- device.Control, log zerolog.Logger) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Device socket read failed")
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			var ctl device.Control
			if err := json.Unmarshal(data, &ctl); err != nil {
				reply(out, device.Control{Type: "error", Error: "invalid control message"})
				continue
			}
			if err := h.dispatch(ctl.Type); err != nil {
				reply(out, device.Control{Type: "error", Error: err.Error()})
			}
		case websocket.BinaryMessage:
			msg, err := device.Decode(data)
			if err != nil {
				log.Debug().Err(err).Msg("Dropping malformed device message")
				continue
			}
			h.deliver(msg)
		}
	}
}

type unknownCommandError string

func (e unknownCommandError) Error() string { return "unknown command " + string(e) }

func (h *handler) dispatch(command string) error {
	switch command {
	case "initialize":
		return h.coord.Initialize()
	case "start":
		return h.coord.StartConversation()
	case "end":
		return h.coord.EndSession()
	case "pause":
		h.coord.Pause()
	case "resume":
		h.coord.Resume()
	default:
		return unknownCommandError(command)
	}
	return nil
}

func (h *handler) deliver(msg device.Message) {
	switch msg.Kind {
	case device.KindVideo:
		format := frame.Format(msg.Format)
		if format.String() == "unknown" {
			return
		}
		h.coord.SubmitFrame(frame.New(msg.Payload, format, msg.Width, msg.Height, time.Now(), nil))
	case device.KindMic:
		if h.bridge != nil {
			h.bridge.PushMic(msg.Payload)
		}
	}
}

// writeLoop is the only writer on conn.
func (h *handler) writeLoop(ctx context.Context, conn *websocket.Conn, watcher *state.Watcher, out <-chan device.Control, log zerolog.Logger) {
	var speaker <-chan []byte
	var flushes <-chan struct{}
	if h.bridge != nil {
		speaker = h.bridge.Speaker()
		flushes = h.bridge.Flushes()
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-watcher.C():
			if !ok {
				return
			}
			err = writeControl(conn, h.stateControl(snap))
		case pcm := <-speaker:
			err = write(conn, websocket.BinaryMessage, device.EncodeAudio(device.KindSpeaker, pcm))
		case <-flushes:
			err = writeControl(conn, device.Control{Type: "flush"})
		case ctl := <-out:
			err = writeControl(conn, ctl)
		}
		if err != nil {
			log.Debug().Err(err).Msg("Device socket write failed")
			// Unblocks the reader.
			conn.Close()
			return
		}
	}
}

func (h *handler) stateControl(snap state.Snapshot) device.Control {
	return device.Control{
		Type:      "state",
		State:     snap.State.Kind.String(),
		Message:   snap.State.Message,
		Seq:       snap.Seq,
		SessionID: h.coord.SessionID(),
	}
}

func reply(out chan<- device.Control, ctl device.Control) {
	select {
	case out <- ctl:
	default:
	}
}

func writeControl(conn *websocket.Conn, ctl device.Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	return write(conn, websocket.TextMessage, data)
}

func write(conn *websocket.Conn, kind int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}
