package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// MIMEJPEG is the mime type of encoded frames.
const MIMEJPEG = "image/jpeg"

// ErrInvalidFrame is returned when a frame's payload does not match its geometry.
var ErrInvalidFrame = errors.New("invalid frame")

// Encoder turns a frame into bytes the live session accepts.
type Encoder interface {
	Encode(f *Frame) (data []byte, mimeType string, err error)
}

// JPEGEncoder encodes frames as JPEG, downscaling anything larger than
// MaxWidth x MaxHeight while keeping the aspect ratio.
type JPEGEncoder struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// DefaultJPEGEncoder returns the encoder used for scene frames: quality 60,
// at most 480x360, which keeps a frame well under 64 KiB.
func DefaultJPEGEncoder() *JPEGEncoder {
	return &JPEGEncoder{Quality: 60, MaxWidth: 480, MaxHeight: 360}
}

// Encode implements Encoder. JPEG input is passed through unchanged.
func (e *JPEGEncoder) Encode(f *Frame) ([]byte, string, error) {
	if f.Format == FormatJPEG {
		if len(f.Data) == 0 {
			return nil, "", fmt.Errorf("%w: empty jpeg payload", ErrInvalidFrame)
		}
		return f.Data, MIMEJPEG, nil
	}

	img, err := toImage(f)
	if err != nil {
		return nil, "", err
	}
	img = e.fit(img)

	var buf bytes.Buffer
	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, "", fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), MIMEJPEG, nil
}

func (e *JPEGEncoder) fit(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if (e.MaxWidth <= 0 || w <= e.MaxWidth) && (e.MaxHeight <= 0 || h <= e.MaxHeight) {
		return src
	}

	dw, dh := w, h
	if e.MaxWidth > 0 && dw > e.MaxWidth {
		dh = dh * e.MaxWidth / dw
		dw = e.MaxWidth
	}
	if e.MaxHeight > 0 && dh > e.MaxHeight {
		dw = dw * e.MaxHeight / dh
		dh = e.MaxHeight
	}
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func toImage(f *Frame) (image.Image, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrInvalidFrame, w, h)
	}
	rect := image.Rect(0, 0, w, h)

	switch f.Format {
	case FormatRGBA:
		if len(f.Data) < w*h*4 {
			return nil, fmt.Errorf("%w: rgba payload %d bytes, need %d", ErrInvalidFrame, len(f.Data), w*h*4)
		}
		return &image.RGBA{Pix: f.Data[:w*h*4], Stride: w * 4, Rect: rect}, nil

	case FormatNV21:
		cw, ch := (w+1)/2, (h+1)/2
		need := w*h + 2*cw*ch
		if len(f.Data) < need {
			return nil, fmt.Errorf("%w: nv21 payload %d bytes, need %d", ErrInvalidFrame, len(f.Data), need)
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		copy(img.Y, f.Data[:w*h])
		vu := f.Data[w*h : need]
		for i := 0; i < cw*ch; i++ {
			img.Cr[i] = vu[2*i]
			img.Cb[i] = vu[2*i+1]
		}
		return img, nil

	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrInvalidFrame, f.Format)
	}
}
