// Package frame implements the camera frame admission pipeline: a throttler
// that keeps one frame per interval and an upload guard that allows a single
// encode+transmit at a time. Both drop instead of queueing; for scene
// description a late frame is worse than a missing one.
package frame

import (
	"sync/atomic"
	"time"
)

// Format identifies the pixel layout of Frame.Data.
type Format int

const (
	// FormatRGBA - 4 bytes per pixel, row-major, no padding.
	FormatRGBA Format = iota
	// FormatNV21 - Y plane followed by interleaved V/U at quarter resolution.
	FormatNV21
	// FormatJPEG - already JPEG-encoded.
	FormatJPEG
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatNV21:
		return "nv21"
	case FormatJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// ParseFormat parses a format name as produced by Format.String.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "rgba":
		return FormatRGBA, true
	case "nv21":
		return FormatNV21, true
	case "jpeg", "jpg":
		return FormatJPEG, true
	default:
		return 0, false
	}
}

// Frame is a single camera frame.
//
// Data MUST NOT be modified after the frame is handed to the pipeline.
// The pipeline calls Release exactly once, whether the frame is sent or dropped,
// so the producer can recycle its buffer.
type Frame struct {
	Data      []byte
	Format    Format
	Width     int
	Height    int
	Timestamp time.Time // capture time

	release  func()
	released atomic.Bool
}

// New creates a frame. release may be nil.
func New(data []byte, format Format, width, height int, ts time.Time, release func()) *Frame {
	return &Frame{
		Data:      data,
		Format:    format,
		Width:     width,
		Height:    height,
		Timestamp: ts,
		release:   release,
	}
}

// Release returns the frame buffer to its producer. Only the first call has effect.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.release != nil {
		f.release()
	}
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}
