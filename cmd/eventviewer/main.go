// Event Viewer - live session state and diagnostics in the browser.
// Consumes the session topics from Kafka and fans them out over WebSocket.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"live-vision-service/internal/events"
)

// Hub manages WebSocket connections
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan events.Envelope
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan events.Envelope, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Client disconnected")

		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					log.Warn().Err(err).Msg("Write error")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// publish drops the event when the browsers cannot keep up.
func (h *Hub) publish(env events.Envelope) {
	select {
	case h.broadcast <- env:
	default:
		log.Warn().Str("eventType", env.EventType).Msg("Viewer backlog full, event dropped")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		hub.register <- conn

		// Keep connection alive, handle disconnects
		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

const page = `<!doctype html>
<html><head><meta charset="utf-8"><title>Live session events</title>
<style>body{font-family:monospace;margin:1em}.state{color:#06c}.diag{color:#b40}</style></head>
<body><h3>Live session events</h3><div id="log"></div>
<script>
const log = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => {
  const e = JSON.parse(m.data);
  const div = document.createElement("div");
  if (e.state) {
    div.className = "state";
    div.textContent = "#" + e.state.seq + " " + e.state.state + (e.state.message ? " (" + e.state.message + ")" : "");
  } else if (e.diagnostic) {
    div.className = "diag";
    div.textContent = e.diagnostic.kind + ": " + (e.diagnostic.message || "") + (e.diagnostic.error ? " [" + e.diagnostic.error + "]" : "");
  }
  log.prepend(div);
};
</script></body></html>`

func main() {
	port := pflag.String("port", "8081", "HTTP server port")
	brokers := pflag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicState := pflag.String("topic-state", "live.session.state", "State event topic")
	topicDiag := pflag.String("topic-diagnostics", "live.session.diagnostics", "Diagnostic event topic")
	since := pflag.Duration("since", time.Hour, "Replay events newer than this")
	pflag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("component", "eventviewer").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	go hub.run(ctx)

	// Start Kafka consumers
	go events.Consume(ctx, events.ConsumerConfig{
		Brokers: strings.Split(*brokers, ","),
		Topics:  []string{*topicState, *topicDiag},
		Since:   *since,
	}, func(env events.Envelope) {
		ev := log.Info().Str("eventType", env.EventType)
		if env.State != nil {
			ev = ev.Str("state", env.State.State).Uint64("seq", env.State.Seq)
		}
		if env.Diagnostic != nil {
			ev = ev.Str("kind", env.Diagnostic.Kind)
		}
		ev.Msg("Received")
		hub.publish(env)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	// WebSocket endpoint
	mux.HandleFunc("/ws", wsHandler(hub))

	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", "http://localhost:"+*port).
		Str("brokers", *brokers).
		Strs("topics", []string{*topicState, *topicDiag}).
		Msg("Event viewer starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
