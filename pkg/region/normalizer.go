package region

// BytesPerPixel is the size of one BGRA pixel. The normalizer uses it to
// estimate the raw encoded size of a rectangle.
const BytesPerPixel = 4

// Config holds the thresholds used by Normalizer.
type Config struct {
	// CoverageThreshold is the fraction of the screen area that, once reached by
	// the summed dirty area, collapses the list into one full-screen rectangle.
	// Default: 0.75.
	CoverageThreshold float64

	// MaxRects escalates to a full-screen update when the rectangle count
	// exceeds it. Default: 100.
	MaxRects int

	// SplitBytes is the raw size estimate above which a rectangle is tiled.
	// Default: 100 KB.
	SplitBytes int

	// MaxAspect tiles rectangles whose long/short side ratio exceeds it,
	// provided the long side is longer than AspectMinSide. Default: 4.
	MaxAspect float64

	// AspectMinSide is the long-side length below which thin strips are kept.
	// Default: 256.
	AspectMinSide int

	// TileSize bounds both sides of every emitted tile. Default: 512.
	TileSize int
}

// DefaultConfig returns the thresholds the stream is tuned for.
func DefaultConfig() Config {
	return Config{
		CoverageThreshold: 0.75,
		MaxRects:          100,
		SplitBytes:        100 * 1024,
		MaxAspect:         4,
		AspectMinSide:     256,
		TileSize:          512,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CoverageThreshold <= 0 {
		c.CoverageThreshold = d.CoverageThreshold
	}
	if c.MaxRects <= 0 {
		c.MaxRects = d.MaxRects
	}
	if c.SplitBytes <= 0 {
		c.SplitBytes = d.SplitBytes
	}
	if c.MaxAspect <= 0 {
		c.MaxAspect = d.MaxAspect
	}
	if c.AspectMinSide <= 0 {
		c.AspectMinSide = d.AspectMinSide
	}
	if c.TileSize <= 0 {
		c.TileSize = d.TileSize
	}
	return c
}

// Normalizer turns the capture service's dirty rectangles into transport-sized
// regions. It is stateless and safe for concurrent use.
type Normalizer struct {
	cfg Config
}

// NewNormalizer creates a Normalizer. Zero fields in cfg take their defaults.
func NewNormalizer(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg.withDefaults()}
}

// Config returns the effective thresholds.
func (n *Normalizer) Config() Config {
	return n.cfg
}

// Normalize clips rects to the width×height screen and reshapes them.
//
// When the summed dirty area reaches the coverage threshold, or there are more
// rectangles than MaxRects, the result is exactly one full-screen rectangle and
// fullScreen is true. Otherwise oversized and thin rectangles are tiled.
// Output order carries no meaning.
func (n *Normalizer) Normalize(rects []Rect, width, height int) (out []Rect, fullScreen bool) {
	if width <= 0 || height <= 0 {
		return nil, false
	}

	clipped := make([]Rect, 0, len(rects))
	total := 0
	for _, r := range rects {
		c := r.Clip(width, height)
		if c.Empty() {
			continue
		}
		clipped = append(clipped, c)
		total += c.Area()
	}

	screen := width * height
	if len(clipped) > n.cfg.MaxRects || float64(total) >= n.cfg.CoverageThreshold*float64(screen) {
		return []Rect{Full(width, height)}, true
	}

	out = make([]Rect, 0, len(clipped))
	for _, r := range clipped {
		if n.needsSplit(r) {
			out = append(out, Tile(r, n.cfg.TileSize)...)
			continue
		}
		out = append(out, r)
	}
	return out, false
}

// needsSplit reports whether r is too large or too thin to ship as one region.
func (n *Normalizer) needsSplit(r Rect) bool {
	if r.Area()*BytesPerPixel > n.cfg.SplitBytes {
		return true
	}
	long, short := r.Width, r.Height
	if short > long {
		long, short = short, long
	}
	return long > n.cfg.AspectMinSide && float64(long) > n.cfg.MaxAspect*float64(short)
}

// Tile splits r into a row-major grid of tiles no larger than size×size.
// Partial tiles are kept at the right and bottom edges, so the tiles cover r
// exactly once.
func Tile(r Rect, size int) []Rect {
	if r.Empty() {
		return nil
	}
	if size <= 0 {
		return []Rect{r}
	}
	cols := (r.Width + size - 1) / size
	rows := (r.Height + size - 1) / size
	tiles := make([]Rect, 0, cols*rows)
	for y := r.Y; y < r.Bottom(); y += size {
		h := min(size, r.Bottom()-y)
		for x := r.X; x < r.Right(); x += size {
			w := min(size, r.Right()-x)
			tiles = append(tiles, Rect{X: x, Y: y, Width: w, Height: h})
		}
	}
	return tiles
}
