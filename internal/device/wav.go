package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// ErrNotWAV is returned for input that is not a canonical PCM WAV file.
var ErrNotWAV = errors.New("not a PCM WAV file")

// WAVInfo describes the audio in a WAV file.
type WAVInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// ChunkBytes is the size of ms milliseconds of audio.
func (w WAVInfo) ChunkBytes(ms int) int {
	return w.SampleRate * w.Channels * (w.BitsPerSample / 8) * ms / 1000
}

// ReadWAVHeader consumes and validates the header of a canonical PCM WAV
// stream, leaving r at the first sample.
func ReadWAVHeader(r io.Reader) (WAVInfo, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return WAVInfo{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrNotWAV)
	}
	if format := binary.LittleEndian.Uint16(header[20:22]); format != 1 {
		return WAVInfo{}, fmt.Errorf("%w: audio format %d", ErrNotWAV, format)
	}

	return WAVInfo{
		Channels:      int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(header[34:36])),
	}, nil
}
