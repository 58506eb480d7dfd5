// Package device connects the attached device's microphone and speaker to the
// live session.
package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once the bridge has been closed.
var ErrClosed = errors.New("device bridge closed")

const (
	DefaultMicDepth     = 32
	DefaultSpeakerDepth = 64
)

// Bridge buffers microphone audio coming from the device and model audio going
// to it. It implements live.AudioSource and live.AudioSink.
//
// Both directions are bounded: when a buffer is full the newest chunk is
// dropped rather than blocking the producer.
type Bridge struct {
	mic     chan []byte
	speaker chan []byte
	flushes chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	micDrops     atomic.Uint64
	speakerDrops atomic.Uint64
}

// NewBridge creates a bridge. Non-positive depths use the defaults.
func NewBridge(micDepth, speakerDepth int) *Bridge {
	if micDepth <= 0 {
		micDepth = DefaultMicDepth
	}
	if speakerDepth <= 0 {
		speakerDepth = DefaultSpeakerDepth
	}
	return &Bridge{
		mic:     make(chan []byte, micDepth),
		speaker: make(chan []byte, speakerDepth),
		flushes: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// PushMic queues a microphone chunk from the device. Returns false if the
// chunk was dropped.
func (b *Bridge) PushMic(pcm []byte) bool {
	if len(pcm) == 0 || b.isClosed() {
		return false
	}
	select {
	case b.mic <- pcm:
		return true
	default:
		b.micDrops.Add(1)
		return false
	}
}

// ReadChunk blocks until a microphone chunk is available.
func (b *Bridge) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case pcm := <-b.mic:
		return pcm, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteChunk queues model audio for the device.
func (b *Bridge) WriteChunk(pcm []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	select {
	case b.speaker <- pcm:
	default:
		b.speakerDrops.Add(1)
	}
	return nil
}

// Flush discards queued model audio and signals the device to stop playback.
func (b *Bridge) Flush() {
drain:
	for {
		select {
		case <-b.speaker:
		default:
			break drain
		}
	}
	select {
	case b.flushes <- struct{}{}:
	default:
	}
}

// Speaker delivers model audio to the device writer.
func (b *Bridge) Speaker() <-chan []byte {
	return b.speaker
}

// Flushes delivers a value whenever playback should be cut.
func (b *Bridge) Flushes() <-chan struct{} {
	return b.flushes
}

// Done is closed by Close.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

// Drops returns how many microphone and speaker chunks were dropped.
func (b *Bridge) Drops() (mic, speaker uint64) {
	return b.micDrops.Load(), b.speakerDrops.Load()
}

// Close unblocks readers. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
