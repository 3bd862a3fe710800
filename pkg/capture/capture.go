// Package capture defines the boundary between the scheduler and a
// platform screen-capture backend.
//
// A Source belongs to exactly one goroutine at a time: pixel buffers
// returned by Poll and Snapshot are only valid until the next call on the
// same Source.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-dev/deltacast/pkg/region"
)

// Sentinel errors. Platform errors are wrapped in *Failure and unwrap to one
// of these.
var (
	// ErrCaptureFailed is a transient failure; the caller backs off and
	// polls again.
	ErrCaptureFailed = errors.New("capture: capture failed")

	// ErrDeviceLost means the session is unusable and must be recreated.
	ErrDeviceLost = errors.New("capture: device lost")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("capture: source closed")
)

// Failure wraps a backend error with the operation that produced it.
type Failure struct {
	Op  string // "poll", "snapshot", "reinitialize"
	Err error
}

// Error returns the error message.
func (f *Failure) Error() string {
	return fmt.Sprintf("capture: %s: %v", f.Op, f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is one capture attempt.
type Result struct {
	// NoChanges is true when nothing changed since the previous frame.
	// Pixels and DirtyRects are empty in that case.
	NoChanges bool

	// Pixels is the full screen in BGRA, Stride bytes per row.
	Pixels []byte
	Stride int

	// DirtyRects lists the changed areas. They may overlap and may extend
	// past the screen edge.
	DirtyRects []region.Rect

	Timestamp time.Time
}

// Source is a capture session.
type Source interface {
	// Poll waits at most timeout for a new frame.
	Poll(ctx context.Context, timeout time.Duration) (*Result, error)

	// Snapshot returns the current screen contents in full, whether or not
	// they changed.
	Snapshot(ctx context.Context) (*Result, error)

	Width() int
	Height() int

	// Reinitialize rebuilds the session in place after ErrDeviceLost.
	Reinitialize() error

	Close() error
}

// Factory opens a new capture session.
type Factory func() (Source, error)
