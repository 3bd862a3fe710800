package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters accumulates frame throughput. All methods are safe for
// concurrent use.
type Counters struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
	drops  atomic.Uint64
}

// AddFrame counts one frame of n bytes.
func (c *Counters) AddFrame(n int) {
	c.frames.Add(1)
	c.bytes.Add(uint64(n))
}

// AddDrop counts one dropped frame.
func (c *Counters) AddDrop() {
	c.drops.Add(1)
}

// Totals returns the lifetime totals.
func (c *Counters) Totals() (frames, bytes, drops uint64) {
	return c.frames.Load(), c.bytes.Load(), c.drops.Load()
}

// Summary is one reporting period.
type Summary struct {
	Period      time.Duration `json:"period"`
	FPS         float64       `json:"fps"`
	BytesPerSec float64       `json:"bytes_per_sec"`
	Drops       uint64        `json:"drops"`
	Frames      uint64        `json:"frames_total"`
	Bytes       uint64        `json:"bytes_total"`
}

// String formats the summary for humans.
func (s Summary) String() string {
	return fmt.Sprintf("%.1f fps, %s/s, %d dropped",
		s.FPS, humanize.Bytes(uint64(s.BytesPerSec)), s.Drops)
}

// Reporter publishes a summary event every interval.
type Reporter struct {
	hub      *Hub
	counters *Counters
	interval time.Duration
	label    string

	mu       sync.Mutex
	last     Summary
	prevAt   time.Time
	prevF    uint64
	prevB    uint64
	prevD    uint64
	haveLast bool
}

// NewReporter creates a Reporter. label prefixes every summary message,
// e.g. "sender" or "receiver".
func NewReporter(hub *Hub, counters *Counters, interval time.Duration, label string) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{hub: hub, counters: counters, interval: interval, label: label}
}

// Run publishes summaries until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.mu.Lock()
	r.prevAt = time.Now()
	r.prevF, r.prevB, r.prevD = r.counters.Totals()
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Report(now)
		}
	}
}

// Report computes the summary since the previous report and publishes it.
func (r *Reporter) Report(now time.Time) Summary {
	frames, bytes, drops := r.counters.Totals()

	r.mu.Lock()
	if r.prevAt.IsZero() {
		r.prevAt = now.Add(-r.interval)
	}
	period := now.Sub(r.prevAt)
	s := Summary{
		Period: period,
		Drops:  drops - r.prevD,
		Frames: frames,
		Bytes:  bytes,
	}
	if secs := period.Seconds(); secs > 0 {
		s.FPS = float64(frames-r.prevF) / secs
		s.BytesPerSec = float64(bytes-r.prevB) / secs
	}
	r.prevAt, r.prevF, r.prevB, r.prevD = now, frames, bytes, drops
	r.last = s
	r.haveLast = true
	r.mu.Unlock()

	msg := s.String()
	if r.label != "" {
		msg = r.label + ": " + msg
	}
	r.hub.Publish(Event{
		Time:    now,
		Kind:    KindSummary,
		Message: msg,
		Fields: map[string]any{
			"fps":           s.FPS,
			"bytes_per_sec": s.BytesPerSec,
			"drops":         s.Drops,
		},
	})
	return s
}

// Last returns the most recent summary.
func (r *Reporter) Last() (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.haveLast
}
