package capture

import (
	"context"
	"sync"
	"time"

	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/region"
)

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Width  int // Default: 1280
	Height int // Default: 720

	// FPS is the rate at which the scene advances. Default: 30.
	FPS int

	// BoxSize is the edge of the moving square. Default: 96.
	BoxSize int

	// SceneChangeEvery repaints the whole background every N frames.
	// Zero disables full-scene changes.
	SceneChangeEvery int
}

// DefaultSyntheticConfig returns a 720p, 30 fps test pattern.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:            1280,
		Height:           720,
		FPS:              30,
		BoxSize:          96,
		SceneChangeEvery: 300,
	}
}

// Synthetic is a Source that renders a test pattern: a gradient background
// and a square bouncing across it. Only the box's old and new positions are
// reported dirty, except on periodic scene changes.
type Synthetic struct {
	cfg      SyntheticConfig
	interval time.Duration

	mu     sync.Mutex
	buf    []byte
	frame  int
	box    region.Rect
	dx, dy int
	next   time.Time
	closed bool
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.BoxSize <= 0 {
		cfg.BoxSize = def.BoxSize
	}
	cfg.BoxSize = min(cfg.BoxSize, cfg.Width, cfg.Height)

	s := &Synthetic{
		cfg:      cfg,
		interval: time.Second / time.Duration(cfg.FPS),
	}
	s.reset()
	return s
}

// SyntheticFactory returns a Factory producing fresh synthetic sources.
func SyntheticFactory(cfg SyntheticConfig) Factory {
	return func() (Source, error) {
		return NewSynthetic(cfg), nil
	}
}

func (s *Synthetic) reset() {
	s.buf = make([]byte, pixel.Size(s.cfg.Width, s.cfg.Height))
	s.frame = 0
	s.box = region.Rect{Width: s.cfg.BoxSize, Height: s.cfg.BoxSize}
	s.dx, s.dy = 7, 5
	s.next = time.Now()
	s.paintBackground()
	s.paintBox(s.box, true)
}

// Width returns the screen width.
func (s *Synthetic) Width() int { return s.cfg.Width }

// Height returns the screen height.
func (s *Synthetic) Height() int { return s.cfg.Height }

// Poll advances the scene when a frame is due within timeout.
func (s *Synthetic) Poll(ctx context.Context, timeout time.Duration) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	wait := time.Until(s.next)
	s.mu.Unlock()

	if wait > 0 {
		if wait > timeout {
			if err := sleep(ctx, timeout); err != nil {
				return nil, err
			}
			return &Result{NoChanges: true, Timestamp: time.Now()}, nil
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.next = time.Now().Add(s.interval)
	dirty := s.step()
	return &Result{
		Pixels:     s.buf,
		Stride:     s.cfg.Width * pixel.BytesPerPixel,
		DirtyRects: dirty,
		Timestamp:  time.Now(),
	}, nil
}

// Snapshot returns the current scene with the whole screen marked dirty.
func (s *Synthetic) Snapshot(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &Result{
		Pixels:     s.buf,
		Stride:     s.cfg.Width * pixel.BytesPerPixel,
		DirtyRects: []region.Rect{region.Full(s.cfg.Width, s.cfg.Height)},
		Timestamp:  time.Now(),
	}, nil
}

// Reinitialize restarts the scene.
func (s *Synthetic) Reinitialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.reset()
	return nil
}

// Close releases the source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	return nil
}

func (s *Synthetic) step() []region.Rect {
	s.frame++
	if n := s.cfg.SceneChangeEvery; n > 0 && s.frame%n == 0 {
		s.paintBackground()
		s.moveBox()
		s.paintBox(s.box, true)
		return []region.Rect{region.Full(s.cfg.Width, s.cfg.Height)}
	}

	old := s.box
	s.paintBox(old, false)
	s.moveBox()
	s.paintBox(s.box, true)
	return []region.Rect{old, s.box}
}

func (s *Synthetic) moveBox() {
	b := &s.box
	b.X += s.dx
	b.Y += s.dy
	if b.X < 0 || b.Right() > s.cfg.Width {
		s.dx = -s.dx
		b.X = max(0, min(b.X, s.cfg.Width-b.Width))
	}
	if b.Y < 0 || b.Bottom() > s.cfg.Height {
		s.dy = -s.dy
		b.Y = max(0, min(b.Y, s.cfg.Height-b.Height))
	}
}

// shift tints the background differently after every scene change.
func (s *Synthetic) shift() byte {
	if s.cfg.SceneChangeEvery <= 0 {
		return 0
	}
	return byte(s.frame / s.cfg.SceneChangeEvery * 40)
}

func (s *Synthetic) paintBackground() {
	shift := s.shift()
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < s.cfg.Width; x++ {
			s.background(x, y, shift)
		}
	}
}

func (s *Synthetic) background(x, y int, shift byte) {
	i := (y*s.cfg.Width + x) * pixel.BytesPerPixel
	s.buf[i] = byte(x*255/max(1, s.cfg.Width-1)) + shift
	s.buf[i+1] = byte(y*255/max(1, s.cfg.Height-1)) + shift
	s.buf[i+2] = shift
	s.buf[i+3] = 0xFF
}

// paintBox draws the box, or restores the background under it.
func (s *Synthetic) paintBox(r region.Rect, on bool) {
	shift := s.shift()
	for y := r.Y; y < r.Bottom(); y++ {
		for x := r.X; x < r.Right(); x++ {
			if !on {
				s.background(x, y, shift)
				continue
			}
			i := (y*s.cfg.Width + x) * pixel.BytesPerPixel
			s.buf[i], s.buf[i+1], s.buf[i+2], s.buf[i+3] = 0xFF, 0xFF, 0xFF, 0xFF
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
