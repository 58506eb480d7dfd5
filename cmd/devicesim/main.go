// Command devicesim plays the part of the phone: it connects to the device
// socket, starts a conversation, streams a WAV file as microphone audio and a
// synthetic camera feed, and prints what the service pushes back.
package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"live-vision-service/internal/device"
	"live-vision-service/internal/service/frame"
)

// Stream audio in 100ms chunks to simulate a live microphone
const chunkIntervalMs = 100

func main() {
	server := pflag.String("server", "ws://localhost:8080/v1/live", "Device socket URL")
	audioFile := pflag.String("audio", "", "Path to a WAV file (16 kHz 16-bit mono PCM); empty streams silence")
	duration := pflag.Duration("duration", 20*time.Second, "How long to stream when no audio file is given")
	frameEvery := pflag.Duration("frame-interval", 500*time.Millisecond, "Camera frame interval")
	width := pflag.Int("width", 640, "Synthetic frame width")
	height := pflag.Int("height", 480, "Synthetic frame height")
	speakerOut := pflag.String("speaker-out", "", "Write received model audio (raw PCM) to this file")
	pflag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("component", "devicesim").Logger()

	var audio io.Reader
	chunk := 3200 // 100ms of 16 kHz mono PCM16
	if *audioFile != "" {
		f, err := os.Open(*audioFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open audio file")
		}
		defer f.Close()

		info, err := device.ReadWAVHeader(f)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid audio file")
		}
		log.Info().
			Int("channels", info.Channels).
			Int("sampleRate", info.SampleRate).
			Int("bitsPerSample", info.BitsPerSample).
			Msg("WAV file")
		if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
			log.Warn().Msg("Expected 16 kHz 16-bit mono, the model may not understand this audio")
		}
		chunk = info.ChunkBytes(chunkIntervalMs)
		audio = f
	} else {
		audio = io.LimitReader(zeroReader{}, int64(chunk)*int64(*duration/(chunkIntervalMs*time.Millisecond)))
	}

	var speaker io.Writer = io.Discard
	if *speakerOut != "" {
		out, err := os.Create(*speakerOut)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create speaker output")
		}
		defer out.Close()
		speaker = out
	}

	conn, resp, err := websocket.DefaultDialer.Dial(*server, nil)
	if err != nil {
		if resp != nil {
			log.Fatal().Err(err).Int("status", resp.StatusCode).Msg("Failed to connect")
		}
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("server", *server).Msg("Connected")

	connected := make(chan struct{})
	readerDone := make(chan struct{})
	go readPushes(conn, speaker, connected, readerDone)

	send := func(command string) {
		if err := conn.WriteJSON(device.Control{Type: command}); err != nil {
			log.Fatal().Err(err).Str("command", command).Msg("Failed to send command")
		}
	}
	send("initialize")
	send("start")

	select {
	case <-connected:
	case <-readerDone:
		log.Fatal().Msg("Connection closed before the conversation started")
	case <-time.After(30 * time.Second):
		log.Fatal().Msg("Timed out waiting for CONNECTED")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	audioTick := time.NewTicker(chunkIntervalMs * time.Millisecond)
	defer audioTick.Stop()
	frameTick := time.NewTicker(*frameEvery)
	defer frameTick.Stop()

	buf := make([]byte, chunk)
	var chunks, frames int
	start := time.Now()

stream:
	for {
		select {
		case <-sig:
			break stream
		case <-readerDone:
			log.Warn().Msg("Service closed the connection")
			return
		case <-frameTick.C:
			msg := device.EncodeVideo(byte(frame.FormatRGBA), *width, *height, syntheticFrame(*width, *height, frames))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Fatal().Err(err).Msg("Failed to send frame")
			}
			frames++
		case <-audioTick.C:
			n, err := io.ReadFull(audio, buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, device.EncodeAudio(device.KindMic, buf[:n])); werr != nil {
					log.Fatal().Err(werr).Msg("Failed to send audio")
				}
				chunks++
				if chunks%10 == 0 {
					log.Debug().Int("chunks", chunks).Int("frames", frames).Msg("Streaming")
				}
			}
			if err != nil {
				break stream
			}
		}
	}

	log.Info().
		Int("chunks", chunks).
		Int("frames", frames).
		Dur("elapsed", time.Since(start)).
		Msg("Finished streaming")

	send("end")
	// Let the final state push arrive.
	time.Sleep(time.Second)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-readerDone
}

// readPushes prints state and error pushes and saves model audio until the
// connection closes.
func readPushes(conn *websocket.Conn, speaker io.Writer, connected chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	signalled := false
	var speakerBytes int

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Read ended")
			}
			log.Info().Int("speakerBytes", speakerBytes).Msg("Disconnected")
			return
		}

		if kind == websocket.BinaryMessage {
			msg, err := device.Decode(data)
			if err != nil || msg.Kind != device.KindSpeaker {
				continue
			}
			speakerBytes += len(msg.Payload)
			_, _ = speaker.Write(msg.Payload)
			continue
		}

		var ctl device.Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			log.Warn().Err(err).Msg("Unreadable push")
			continue
		}
		switch ctl.Type {
		case "state":
			ev := log.Info().Str("state", ctl.State).Uint64("seq", ctl.Seq)
			if ctl.Message != "" {
				ev = ev.Str("message", ctl.Message)
			}
			ev.Msg("State")
			if ctl.State == "CONNECTED" && !signalled {
				signalled = true
				close(connected)
			}
			if strings.HasPrefix(ctl.State, "ERROR") {
				log.Warn().Str("message", ctl.Message).Msg("Session error")
			}
		case "flush":
			log.Info().Msg("Model interrupted, playback flushed")
		case "error":
			log.Warn().Str("error", ctl.Error).Msg("Command rejected")
		}
	}
}

// syntheticFrame draws a moving gradient so consecutive frames differ.
func syntheticFrame(w, h, n int) []byte {
	buf := make([]byte, w*h*4)
	shift := n * 8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			buf[i] = byte(x + shift)
			buf[i+1] = byte(y)
			buf[i+2] = byte(x + y)
			buf[i+3] = 0xFF
		}
	}
	return buf
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
