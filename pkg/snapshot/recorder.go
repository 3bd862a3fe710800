package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vango-dev/deltacast/pkg/reconstruct"
)

// Source provides the frame to archive.
type Source interface {
	Snapshot() (reconstruct.Frame, bool)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Interval between snapshots. Default: 10s.
	Interval time.Duration

	// Retention removes snapshots older than this. Zero keeps everything.
	Retention time.Duration

	// CleanupEvery bounds how often Retention is enforced. Default: 1m.
	CleanupEvery time.Duration

	// Prefix starts every file name. Default: "frame".
	Prefix string
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Minute
	}
	if c.Prefix == "" {
		c.Prefix = "frame"
	}
	return c
}

// RecorderStats counts recorder outcomes.
type RecorderStats struct {
	Saved   uint64 `json:"saved"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Recorder periodically saves the source's frame to a Store. A frame that
// has not changed since the previous save is skipped.
type Recorder struct {
	src    Source
	store  Store
	cfg    RecorderConfig
	logger *slog.Logger

	lastID      uint32
	haveLast    bool
	lastCleanup time.Time

	saved   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a Recorder.
func NewRecorder(src Source, store Store, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		src:    src,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "snapshot"),
	}
}

// Run records until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.Record(ctx, now); err != nil {
				r.logger.Warn("snapshot failed", "error", err)
			}
		}
	}
}

// Record saves one snapshot taken at now and returns its location. It
// returns "" with a nil error when there is nothing new to save.
func (r *Recorder) Record(ctx context.Context, now time.Time) (string, error) {
	r.maybeCleanup(ctx, now)

	f, ok := r.src.Snapshot()
	if !ok || (r.haveLast && f.FrameID == r.lastID) {
		r.skipped.Add(1)
		return "", nil
	}

	data, err := PNGBytes(f)
	if err != nil {
		r.failed.Add(1)
		return "", err
	}
	name := fmt.Sprintf("%s-%s-%08x.png", r.cfg.Prefix, now.UTC().Format("20060102T150405.000Z"), f.FrameID)
	loc, err := r.store.Save(ctx, name, data)
	if err != nil {
		r.failed.Add(1)
		return "", err
	}

	r.lastID, r.haveLast = f.FrameID, true
	r.saved.Add(1)
	r.logger.Info("snapshot saved",
		"location", loc,
		"frame_id", f.FrameID,
		"size", humanize.Bytes(uint64(len(data))),
	)
	return loc, nil
}

func (r *Recorder) maybeCleanup(ctx context.Context, now time.Time) {
	if r.cfg.Retention <= 0 || now.Sub(r.lastCleanup) < r.cfg.CleanupEvery {
		return
	}
	r.lastCleanup = now
	if err := r.store.Cleanup(ctx, r.cfg.Retention); err != nil {
		r.logger.Warn("snapshot cleanup failed", "error", err)
	}
}

// Stats returns the counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Saved:   r.saved.Load(),
		Skipped: r.skipped.Load(),
		Failed:  r.failed.Load(),
	}
}
