package reconstruct

import (
	"sync"
	"sync/atomic"

	"github.com/vango-dev/deltacast/pkg/protocol"
)

// Frame is the composite screen after a packet was applied. Pixels is
// tight-stride BGRA, Width*4 bytes per row.
type Frame struct {
	Pixels          []byte
	Width           int
	Height          int
	ChromaMode      protocol.ChromaMode
	ChromaThreshold uint8
	FrameID         uint32
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	cp := f
	cp.Pixels = append([]byte(nil), f.Pixels...)
	return cp
}

// Consumer receives every applied frame. The Pixels slice is the live
// composite buffer and is only valid during the call; OnFrame must not call
// back into the Reconstructor.
type Consumer interface {
	OnFrame(f Frame)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(f Frame)

// OnFrame calls fn(f).
func (fn ConsumerFunc) OnFrame(f Frame) {
	fn(f)
}

// Handoff is a Consumer that copies each frame and keeps only the newest
// one for a reader running at its own pace.
type Handoff struct {
	mu      sync.Mutex
	ch      chan Frame
	spare   []byte
	dropped atomic.Uint64
}

// NewHandoff returns an empty Handoff.
func NewHandoff() *Handoff {
	return &Handoff{ch: make(chan Frame, 1)}
}

// OnFrame replaces any frame the reader has not taken yet.
func (h *Handoff) OnFrame(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := f
	cp.Pixels = append(h.spare[:0], f.Pixels...)
	h.spare = nil

	for {
		select {
		case h.ch <- cp:
			return
		default:
		}
		select {
		case old := <-h.ch:
			h.dropped.Add(1)
			h.spare = old.Pixels
		default:
		}
	}
}

// Frames delivers the latest frame. A frame received from it is owned by
// the reader.
func (h *Handoff) Frames() <-chan Frame {
	return h.ch
}

// Dropped returns how many frames were replaced before the reader took them.
func (h *Handoff) Dropped() uint64 {
	return h.dropped.Load()
}
