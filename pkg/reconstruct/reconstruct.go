// Package reconstruct rebuilds the sender's screen on the receiver by
// blitting decoded dirty regions into a composite buffer.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/deltacast/pkg/codec"
	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
	"github.com/vango-dev/deltacast/pkg/telemetry"
)

var (
	// ErrStale is returned by Apply for a packet older than the last
	// applied frame.
	ErrStale = errors.New("reconstruct: stale packet")

	// ErrOutOfBounds is returned by Apply for a region outside the screen.
	ErrOutOfBounds = errors.New("reconstruct: region outside screen")
)

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithCodec replaces the default region codec.
func WithCodec(c *codec.Codec) Option {
	return func(r *Reconstructor) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithStaleCheck enables or disables dropping out-of-order packets.
// Enabled by default.
func WithStaleCheck(on bool) Option {
	return func(r *Reconstructor) {
		r.staleCheck = on
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records frame metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconstructor) {
		r.metrics = m
	}
}

// Stats counts what happened to received packets.
type Stats struct {
	Applied     uint64 `json:"applied"`
	Stale       uint64 `json:"stale"`
	Malformed   uint64 `json:"malformed"`
	CodecErrors uint64 `json:"codec_errors"`
	Resizes     uint64 `json:"resizes"`
	Resets      uint64 `json:"resets"`
}

// Reconstructor owns the composite buffer. It is safe for concurrent use;
// packets are applied one at a time.
type Reconstructor struct {
	consumer   Consumer
	codec      *codec.Codec
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	staleCheck bool

	mu        sync.Mutex
	buf       []byte
	width     int
	height    int
	chroma    protocol.ChromaMode
	threshold uint8
	lastID    uint32
	haveLast  bool

	applied     atomic.Uint64
	stale       atomic.Uint64
	malformed   atomic.Uint64
	codecErrors atomic.Uint64
	resizes     atomic.Uint64
	resets      atomic.Uint64
}

// New returns a Reconstructor that notifies consumer after every applied
// packet. consumer may be nil.
func New(consumer Consumer, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		consumer:   consumer,
		logger:     slog.Default(),
		staleCheck: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.codec == nil {
		r.codec = codec.New(codec.DefaultOptions())
	}
	r.logger = r.logger.With("component", "reconstruct")
	return r
}

// OnPacket applies a packet received on the unreliable path. Bad packets are
// logged and dropped.
func (r *Reconstructor) OnPacket(data []byte) {
	r.handle(data, false)
}

// OnSync applies a sync packet received on the reliable path. It is never
// considered stale and resets the ordering baseline.
func (r *Reconstructor) OnSync(data []byte) {
	r.handle(data, true)
}

func (r *Reconstructor) handle(data []byte, reliable bool) {
	p, err := protocol.DecodeFramePacket(data)
	if err != nil {
		r.malformed.Add(1)
		r.metrics.FrameDropped("malformed")
		r.logger.Debug("dropping malformed packet", "bytes", len(data), "error", err)
		return
	}
	if err := r.Apply(p, reliable); err != nil {
		r.logger.Debug("packet not applied", "frame_id", p.FrameID, "reliable", reliable, "error", err)
	}
}

// Apply decodes every region of p and, only if all of them decode, blits
// them into the composite buffer in list order and notifies the consumer.
// On error the composite buffer is unchanged.
func (r *Reconstructor) Apply(p *protocol.FramePacket, reliable bool) error {
	if len(p.Regions) == 0 {
		return nil
	}
	w, h := int(p.ScreenWidth), int(p.ScreenHeight)
	if w == 0 || h == 0 {
		r.malformed.Add(1)
		r.metrics.FrameDropped("malformed")
		return fmt.Errorf("%w: screen %dx%d", ErrOutOfBounds, w, h)
	}
	for i := range p.Regions {
		rr := rectOf(p.Regions[i])
		if rr.Empty() || rr.Right() > w || rr.Bottom() > h {
			r.malformed.Add(1)
			r.metrics.FrameDropped("malformed")
			return fmt.Errorf("%w: region %d %v in %dx%d", ErrOutOfBounds, i, rr, w, h)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resized := r.buf == nil || w != r.width || h != r.height
	if r.staleCheck && !reliable && !resized && r.haveLast && !newer(p.FrameID, r.lastID) {
		r.stale.Add(1)
		r.metrics.FrameDropped("stale")
		return fmt.Errorf("%w: frame %d, last %d", ErrStale, p.FrameID, r.lastID)
	}

	start := time.Now()
	decoded, err := r.codec.DecodeAll(context.Background(), p.Regions)
	if err != nil {
		r.codecErrors.Add(1)
		r.metrics.FrameDropped("codec")
		return fmt.Errorf("reconstruct: frame %d: %w", p.FrameID, err)
	}

	if resized {
		r.buf = make([]byte, pixel.Size(w, h))
		r.width, r.height = w, h
		r.resizes.Add(1)
		r.logger.Info("composite buffer allocated", "width", w, "height", h)
	}
	stride := w * pixel.BytesPerPixel
	for i := range p.Regions {
		pixel.Blit(r.buf, stride, decoded[i], rectOf(p.Regions[i]))
	}

	r.chroma = p.ChromaMode
	r.threshold = p.ChromaThreshold
	r.lastID = p.FrameID
	r.haveLast = true
	r.applied.Add(1)

	kind := "delta"
	switch {
	case reliable:
		kind = "sync"
	case p.IsFullScreen():
		kind = "full"
	}
	r.metrics.ObserveFrame(kind, len(p.Regions), p.PayloadBytes(), time.Since(start))

	if r.consumer != nil {
		r.consumer.OnFrame(r.frameLocked())
	}
	return nil
}

// Reset destroys the composite buffer and the ordering baseline. The next
// packet starts from a zeroed buffer.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
	r.width, r.height = 0, 0
	r.lastID = 0
	r.haveLast = false
	r.resets.Add(1)
}

// Snapshot returns a deep copy of the composite buffer, or false before the
// first packet.
func (r *Reconstructor) Snapshot() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return Frame{}, false
	}
	return r.frameLocked().Clone(), true
}

// LastFrameID returns the id of the last applied packet.
func (r *Reconstructor) LastFrameID() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastID, r.haveLast
}

// Stats returns a copy of the counters.
func (r *Reconstructor) Stats() Stats {
	return Stats{
		Applied:     r.applied.Load(),
		Stale:       r.stale.Load(),
		Malformed:   r.malformed.Load(),
		CodecErrors: r.codecErrors.Load(),
		Resizes:     r.resizes.Load(),
		Resets:      r.resets.Load(),
	}
}

func (r *Reconstructor) frameLocked() Frame {
	return Frame{
		Pixels:          r.buf,
		Width:           r.width,
		Height:          r.height,
		ChromaMode:      r.chroma,
		ChromaThreshold: r.threshold,
		FrameID:         r.lastID,
	}
}

func rectOf(d protocol.DirtyRegion) region.Rect {
	return region.Rect{X: int(d.X), Y: int(d.Y), Width: int(d.Width), Height: int(d.Height)}
}

// newer reports whether frame id a comes after b, allowing for wraparound.
func newer(a, b uint32) bool {
	return int32(a-b) > 0
}
