// Package codec compresses and decompresses the pixel payload of individual
// dirty regions.
//
// Small regions travel raw: below CompressThreshold the LZ4 framing costs
// more time than the bytes it saves. Larger regions are LZ4 block compressed,
// falling back to raw when the compressor cannot shrink them.
package codec

import (
	"runtime"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/protocol"
)

// DefaultCompressThreshold is the payload size above which LZ4 is attempted.
const DefaultCompressThreshold = 64 * 1024

// Options configures a Codec.
type Options struct {
	// CompressThreshold is the minimum payload size, exclusive, that is
	// compressed. Default: 64 KiB.
	CompressThreshold int

	// Workers bounds EncodeAll/DecodeAll parallelism.
	// Default: runtime.NumCPU().
	Workers int
}

// DefaultOptions returns the default codec options.
func DefaultOptions() Options {
	return Options{
		CompressThreshold: DefaultCompressThreshold,
		Workers:           runtime.NumCPU(),
	}
}

// Codec encodes and decodes region payloads. It is safe for concurrent use.
type Codec struct {
	opts        Options
	compressors sync.Pool
}

// New creates a codec. Zero option fields take their defaults.
func New(opts Options) *Codec {
	def := DefaultOptions()
	if opts.CompressThreshold <= 0 {
		opts.CompressThreshold = def.CompressThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	c := &Codec{opts: opts}
	c.compressors.New = func() any { return new(lz4.Compressor) }
	return c
}

// Options returns the effective options.
func (c *Codec) Options() Options {
	return c.opts
}

// Encode returns the payload to send for pixels and whether it is LZ4
// compressed. An uncompressed payload aliases pixels.
func (c *Codec) Encode(pixels []byte) (payload []byte, compressed bool) {
	if len(pixels) <= c.opts.CompressThreshold {
		return pixels, false
	}

	dst := make([]byte, lz4.CompressBlockBound(len(pixels)))
	comp := c.compressors.Get().(*lz4.Compressor)
	n, err := comp.CompressBlock(pixels, dst)
	c.compressors.Put(comp)

	// n == 0 means the block was incompressible.
	if err != nil || n == 0 || n >= len(pixels) {
		return pixels, false
	}
	return dst[:n], true
}

// MaxDecodedSize bounds the buffer Decode allocates: one full screen at
// the protocol's pixel limit.
const MaxDecodedSize = protocol.MaxScreenPixels * pixel.BytesPerPixel

// Decode returns exactly uncompressedSize bytes. Raw payloads are returned
// as-is after the length check.
func (c *Codec) Decode(payload []byte, compressed bool, uncompressedSize int) ([]byte, error) {
	if uncompressedSize < 0 || uncompressedSize > MaxDecodedSize {
		return nil, &CodecError{Index: -1, Expected: uncompressedSize, Actual: len(payload), Err: ErrSizeMismatch}
	}
	if !compressed {
		if len(payload) != uncompressedSize {
			return nil, &CodecError{Index: -1, Expected: uncompressedSize, Actual: len(payload), Err: ErrSizeMismatch}
		}
		return payload, nil
	}

	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, &CodecError{Index: -1, Expected: uncompressedSize, Actual: n, Err: ErrCorruptPayload}
	}
	if n != uncompressedSize {
		return nil, &CodecError{Index: -1, Expected: uncompressedSize, Actual: n, Err: ErrSizeMismatch}
	}
	return dst, nil
}

// DecodeRegion decodes r and checks its declared size against its
// dimensions.
func (c *Codec) DecodeRegion(r protocol.DirtyRegion) ([]byte, error) {
	want := pixel.Size(int(r.Width), int(r.Height))
	if int(r.UncompressedSize) != want {
		return nil, &CodecError{Index: -1, Expected: want, Actual: int(r.UncompressedSize), Err: ErrSizeMismatch}
	}
	return c.Decode(r.Payload, r.Compressed, want)
}
