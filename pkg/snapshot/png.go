// Package snapshot archives the receiver's composite screen as PNG images,
// either on local disk or in an S3 bucket.
package snapshot

import (
	"bytes"
	"errors"
	"image/png"
	"io"

	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/reconstruct"
)

// ErrEmptyFrame is returned for a frame without pixels.
var ErrEmptyFrame = errors.New("snapshot: empty frame")

// EncodePNG writes f to w as a PNG. Client-side keyed streams are keyed
// here; unkeyed streams are written fully opaque.
func EncodePNG(w io.Writer, f reconstruct.Frame) error {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pixels) < pixel.Size(f.Width, f.Height) {
		return ErrEmptyFrame
	}
	buf := append([]byte(nil), f.Pixels[:pixel.Size(f.Width, f.Height)]...)

	switch f.ChromaMode {
	case protocol.ChromaClientSide:
		pixel.ApplyChromaKey(buf, f.ChromaThreshold)
	case protocol.ChromaNone:
		for i := 3; i < len(buf); i += pixel.BytesPerPixel {
			buf[i] = 0xFF
		}
	}

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, pixel.ToNRGBA(buf, f.Width, f.Height))
}

// PNGBytes encodes f and returns the bytes.
func PNGBytes(f reconstruct.Frame) ([]byte, error) {
	var b bytes.Buffer
	if err := EncodePNG(&b, f); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
