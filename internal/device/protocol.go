package device

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary message kinds on the device socket. The first byte of every binary
// message is the kind.
//
//	video:   [kind:1][format:1][width:2 BE][height:2 BE][payload]
//	mic:     [kind:1][pcm16le]
//	speaker: [kind:1][pcm16le]
const (
	KindVideo   byte = 0x01
	KindMic     byte = 0x02
	KindSpeaker byte = 0x03
)

const videoHeaderLen = 6

// ErrMalformed is returned for binary messages that cannot be decoded.
var ErrMalformed = errors.New("malformed device message")

// Message is a decoded binary device message.
type Message struct {
	Kind    byte
	Format  byte // video only
	Width   int  // video only
	Height  int  // video only
	Payload []byte
}

// EncodeVideo builds a video message.
func EncodeVideo(format byte, width, height int, payload []byte) []byte {
	buf := make([]byte, videoHeaderLen+len(payload))
	buf[0] = KindVideo
	buf[1] = format
	binary.BigEndian.PutUint16(buf[2:4], uint16(width))
	binary.BigEndian.PutUint16(buf[4:6], uint16(height))
	copy(buf[videoHeaderLen:], payload)
	return buf
}

// EncodeAudio builds a mic or speaker message.
func EncodeAudio(kind byte, pcm []byte) []byte {
	buf := make([]byte, 1+len(pcm))
	buf[0] = kind
	copy(buf[1:], pcm)
	return buf
}

// Decode parses a binary message. The payload aliases data.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	switch data[0] {
	case KindVideo:
		if len(data) <= videoHeaderLen {
			return Message{}, fmt.Errorf("%w: short video message (%d bytes)", ErrMalformed, len(data))
		}
		return Message{
			Kind:    KindVideo,
			Format:  data[1],
			Width:   int(binary.BigEndian.Uint16(data[2:4])),
			Height:  int(binary.BigEndian.Uint16(data[4:6])),
			Payload: data[videoHeaderLen:],
		}, nil
	case KindMic, KindSpeaker:
		return Message{Kind: data[0], Payload: data[1:]}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformed, data[0])
	}
}

// Control is a JSON text message on the device socket.
//
// Device → service: type is one of initialize, start, end, pause, resume.
// Service → device: type is state, flush or error.
type Control struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}
