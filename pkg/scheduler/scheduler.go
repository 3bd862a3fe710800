// Package scheduler drives the sender: it polls the capture source while
// peers are connected, turns each changed frame into a FramePacket and hands
// it to the broadcaster.
//
// The loop goroutine is the only user of the capture session. Encoding runs on
// a single worker so a slow frame never stalls capture; a frame captured while
// the worker is busy is dropped and its dirty rectangles are carried into the
// next frame that is processed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/deltacast/pkg/capture"
	"github.com/vango-dev/deltacast/pkg/codec"
	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
	"github.com/vango-dev/deltacast/pkg/telemetry"
)

// Broadcaster fans packets out to connected peers. Broadcast must not block
// on any single peer.
type Broadcaster interface {
	PeerCount() int
	Broadcast(p *protocol.FramePacket)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records frame metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithCodec replaces the default region codec.
func WithCodec(c *codec.Codec) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithOnFrame registers a hook called after every broadcast. The packet's
// payloads may alias scheduler buffers and are only valid during the call.
func WithOnFrame(fn func(*protocol.FramePacket)) Option {
	return func(s *Scheduler) {
		s.onFrame = fn
	}
}

// Stats is a point-in-time copy of the scheduler counters.
type Stats struct {
	FramesCaptured  uint64 `json:"frames_captured"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesUnchanged uint64 `json:"frames_unchanged"`
	DroppedBusy     uint64 `json:"dropped_busy"`
	FullScreen      uint64 `json:"full_screen"`
	SyncsServed     uint64 `json:"syncs_served"`
	CaptureErrors   uint64 `json:"capture_errors"`
	DeviceResets    uint64 `json:"device_resets"`
}

type counters struct {
	captured      atomic.Uint64
	sent          atomic.Uint64
	unchanged     atomic.Uint64
	droppedBusy   atomic.Uint64
	fullScreen    atomic.Uint64
	syncs         atomic.Uint64
	captureErrors atomic.Uint64
	deviceResets  atomic.Uint64
}

type syncResult struct {
	packet *protocol.FramePacket
	err    error
}

type syncRequest struct {
	ctx   context.Context
	reply chan syncResult
}

// frameJob is one frame handed from the loop to the worker.
type frameJob struct {
	id        uint32
	width     int
	height    int
	timestamp time.Time
	full      bool
	chroma    protocol.ChromaMode
	threshold uint8
	jobs      []codec.Job
}

// Scheduler is the capture → encode → broadcast loop.
type Scheduler struct {
	factory capture.Factory
	bc      Broadcaster
	codec   *codec.Codec
	logger  *slog.Logger
	metrics *telemetry.Metrics
	onFrame func(*protocol.FramePacket)

	mu      sync.Mutex
	cfg     Config
	norm    *region.Normalizer
	started bool
	closed  bool

	state   atomic.Int32
	frameID atomic.Uint32
	running atomic.Bool
	busy    atomic.Bool
	stats   counters

	syncCh   chan syncRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// Owned by the loop goroutine.
	src       capture.Source
	carry     []region.Rect
	forceFull bool
	bufs      [][]byte
	jobs      []codec.Job
}

// New opens a capture session through factory and returns an idle
// scheduler. Run starts it.
func New(factory capture.Factory, bc Broadcaster, cfg Config, opts ...Option) (*Scheduler, error) {
	if factory == nil {
		return nil, errors.New("scheduler: nil capture factory")
	}
	if bc == nil {
		return nil, errors.New("scheduler: nil broadcaster")
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		factory:  factory,
		bc:       bc,
		logger:   slog.Default(),
		cfg:      cfg,
		norm:     region.NewNormalizer(cfg.Normalizer),
		syncCh:   make(chan syncRequest),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = codec.New(codec.DefaultOptions())
	}
	s.logger = s.logger.With("component", "scheduler")

	src, err := factory()
	if err != nil {
		return nil, fmt.Errorf("scheduler: open capture source: %w", err)
	}
	s.src = src
	s.state.Store(int32(StateIdle))
	return s, nil
}

// Run executes the loop until Stop is called or ctx is cancelled. It returns
// nil after Stop and ctx.Err() after cancellation. The capture session is
// closed before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrStopped
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()
	s.running.Store(true)

	work := make(chan *frameJob, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.worker(ctx, work)
	}()

	s.logger.Info("scheduler started",
		"width", s.src.Width(),
		"height", s.src.Height(),
		"frame_interval", s.config().FrameInterval,
	)
	err := s.loop(ctx, work)

	close(work)
	wg.Wait()
	if s.src != nil {
		if cerr := s.src.Close(); cerr != nil {
			s.logger.Warn("capture source close failed", "error", cerr)
		}
	}
	s.setState(StateStopped)
	s.running.Store(false)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.loopDone)

	s.logger.Info("scheduler stopped", "frames_sent", s.stats.sent.Load())
	return err
}

// Stop asks the loop to exit after its current iteration and waits at most
// Config.StopTimeout for it.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	if !s.started {
		var err error
		if !s.closed {
			s.closed = true
			err = s.src.Close()
			s.setState(StateStopped)
			close(s.loopDone)
		}
		s.mu.Unlock()
		return err
	}
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.loopDone:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// SyncFrame captures the whole screen and returns it as a tiled full-screen
// packet with a fresh frame id. The request is served by the loop goroutine.
func (s *Scheduler) SyncFrame(ctx context.Context) (*protocol.FramePacket, error) {
	select {
	case <-s.loopDone:
		return nil, ErrStopped
	default:
	}
	if !s.running.Load() {
		return nil, ErrNotRunning
	}

	req := syncRequest{ctx: ctx, reply: make(chan syncResult, 1)}
	select {
	case s.syncCh <- req:
	case <-s.loopDone:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.packet, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateConfig applies fn to a copy of the configuration and installs the
// result. It takes effect on the next loop iteration.
func (s *Scheduler) UpdateConfig(fn func(*Config)) {
	s.mu.Lock()
	cfg := s.cfg
	fn(&cfg)
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.norm = region.NewNormalizer(cfg.Normalizer)
	s.mu.Unlock()

	s.logger.Info("scheduler config updated",
		"frame_interval", cfg.FrameInterval,
		"chroma_mode", cfg.ChromaMode.String(),
		"chroma_threshold", cfg.ChromaThreshold,
	)
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	return s.config()
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// FrameID returns the last frame id handed out.
func (s *Scheduler) FrameID() uint32 {
	return s.frameID.Load()
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FramesCaptured:  s.stats.captured.Load(),
		FramesSent:      s.stats.sent.Load(),
		FramesUnchanged: s.stats.unchanged.Load(),
		DroppedBusy:     s.stats.droppedBusy.Load(),
		FullScreen:      s.stats.fullScreen.Load(),
		SyncsServed:     s.stats.syncs.Load(),
		CaptureErrors:   s.stats.captureErrors.Load(),
		DeviceResets:    s.stats.deviceResets.Load(),
	}
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) normalizer() *region.Normalizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.norm
}

func (s *Scheduler) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.logger.Debug("scheduler state changed", "from", old.String(), "to", st.String())
	}
}

// loop runs until stop or cancellation.
func (s *Scheduler) loop(ctx context.Context, work chan<- *frameJob) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		cfg := s.config()
		if s.bc.PeerCount() == 0 {
			s.setState(StateIdle)
			s.wait(ctx, cfg.IdleInterval)
			continue
		}
		s.setState(StateCapturing)

		if d := cfg.FrameInterval - time.Since(last); d > 0 {
			if !s.wait(ctx, d) {
				continue
			}
		} else {
			s.drainSync()
		}
		last = time.Now()

		s.captureOnce(ctx, cfg, work)
	}
}

// wait sleeps for d while serving sync requests. It returns false when the
// loop should exit.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case req := <-s.syncCh:
			s.serveSync(req)
		case <-timer.C:
			return true
		}
	}
}

func (s *Scheduler) drainSync() {
	for {
		select {
		case req := <-s.syncCh:
			s.serveSync(req)
		default:
			return
		}
	}
}

// captureOnce polls once and hands a changed frame to the worker.
func (s *Scheduler) captureOnce(ctx context.Context, cfg Config, work chan<- *frameJob) {
	res, err := s.src.Poll(ctx, cfg.PollTimeout)
	if err != nil {
		s.handleCaptureError(ctx, cfg, err)
		return
	}

	id := s.frameID.Add(1)
	s.stats.captured.Add(1)
	if res.NoChanges {
		if s.busy.Load() || (len(s.carry) == 0 && !s.forceFull) {
			s.stats.unchanged.Add(1)
			return
		}
		// The screen went static with regions still owed to the peers:
		// send them from a fresh snapshot.
		snap, err := s.src.Snapshot(ctx)
		if err != nil {
			s.handleCaptureError(ctx, cfg, err)
			return
		}
		flush := *snap
		flush.NoChanges = false
		flush.DirtyRects = nil
		res = &flush
		s.logger.Debug("flushing carried regions", "frame_id", id, "carried", len(s.carry), "full", s.forceFull)
	}

	if s.busy.Load() {
		s.carry = append(s.carry, res.DirtyRects...)
		s.stats.droppedBusy.Add(1)
		s.metrics.FrameDropped("busy")
		s.logger.Debug("frame dropped, worker busy", "frame_id", id, "carried", len(s.carry))
		return
	}

	w, h := s.src.Width(), s.src.Height()
	tile := s.normalizer().Config().TileSize

	var rects []region.Rect
	full := s.forceFull
	if full {
		rects = region.Tile(region.Full(w, h), tile)
		s.forceFull = false
	} else {
		rects, full = s.normalizer().Normalize(append(s.carry, res.DirtyRects...), w, h)
		if full {
			rects = region.Tile(rects[0], tile)
		}
	}
	s.carry = s.carry[:0]
	if len(rects) == 0 {
		return
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	job := &frameJob{
		id:        id,
		width:     w,
		height:    h,
		timestamp: ts,
		full:      full,
		chroma:    cfg.ChromaMode,
		threshold: cfg.ChromaThreshold,
		jobs:      s.extract(res, rects),
	}
	s.busy.Store(true)
	work <- job
}

// extract copies rects out of the captured frame into the reusable buffers.
func (s *Scheduler) extract(res *capture.Result, rects []region.Rect) []codec.Job {
	for len(s.bufs) < len(rects) {
		s.bufs = append(s.bufs, nil)
	}
	jobs := s.jobs[:0]
	for i, r := range rects {
		s.bufs[i] = pixel.Extract(s.bufs[i], res.Pixels, res.Stride, r)
		jobs = append(jobs, codec.Job{Rect: r, Pixels: s.bufs[i]})
	}
	s.jobs = jobs
	return jobs
}

func (s *Scheduler) handleCaptureError(ctx context.Context, cfg Config, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, capture.ErrDeviceLost) {
		s.metrics.CaptureError("device_lost")
		s.logger.Warn("capture device lost, recreating session", "error", err)
		s.resetSource(ctx, cfg)
		return
	}
	s.stats.captureErrors.Add(1)
	s.metrics.CaptureError("transient")
	s.logger.Debug("capture failed, backing off", "error", err, "backoff", cfg.FailureBackoff)
	s.wait(ctx, cfg.FailureBackoff)
}

// resetSource rebuilds the capture session in place, or through the factory
// when that fails, retrying until it succeeds or the loop is told to exit.
// The next processed frame is full screen.
func (s *Scheduler) resetSource(ctx context.Context, cfg Config) {
	s.stats.deviceResets.Add(1)
	s.forceFull = true
	s.carry = s.carry[:0]

	err := s.src.Reinitialize()
	if err == nil {
		return
	}
	s.logger.Warn("capture reinitialize failed, reopening", "error", err)
	if cerr := s.src.Close(); cerr != nil {
		s.logger.Debug("capture source close failed", "error", cerr)
	}
	s.src = nil

	for {
		src, err := s.factory()
		if err == nil {
			s.src = src
			s.logger.Info("capture session recreated", "width", src.Width(), "height", src.Height())
			return
		}
		s.logger.Warn("capture session open failed", "error", err, "backoff", cfg.FailureBackoff)
		if !s.wait(ctx, cfg.FailureBackoff) {
			return
		}
	}
}

func (s *Scheduler) serveSync(req syncRequest) {
	p, err := s.syncFrame(req.ctx)
	req.reply <- syncResult{packet: p, err: err}
}

// syncFrame builds a full-screen packet from a snapshot. It uses fresh
// buffers since the worker may still own the reusable ones.
func (s *Scheduler) syncFrame(ctx context.Context) (*protocol.FramePacket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.src == nil {
		return nil, ErrNoSource
	}
	start := time.Now()

	res, err := s.src.Snapshot(ctx)
	if err != nil {
		s.metrics.CaptureError("snapshot")
		return nil, fmt.Errorf("scheduler: sync snapshot: %w", err)
	}

	cfg := s.config()
	w, h := s.src.Width(), s.src.Height()
	tiles := region.Tile(region.Full(w, h), s.normalizer().Config().TileSize)
	jobs := make([]codec.Job, len(tiles))
	for i, r := range tiles {
		buf := pixel.Extract(nil, res.Pixels, res.Stride, r)
		if cfg.ChromaMode == protocol.ChromaServerSide {
			pixel.ApplyChromaKey(buf, cfg.ChromaThreshold)
		}
		jobs[i] = codec.Job{Rect: r, Pixels: buf}
	}

	id := s.frameID.Add(1)
	ctx, span := telemetry.StartFrameSpan(ctx, "scheduler.sync", id)
	regions, err := s.codec.EncodeAll(ctx, jobs)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("scheduler: sync encode: %w", err)
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p := &protocol.FramePacket{
		FrameID:            id,
		ScreenWidth:        uint16(w),
		ScreenHeight:       uint16(h),
		ChromaMode:         cfg.ChromaMode,
		ChromaThreshold:    cfg.ChromaThreshold,
		CaptureTimestampUs: ts.UnixMicro(),
		Regions:            regions,
	}
	s.stats.syncs.Add(1)
	s.metrics.ObserveFrame("sync", len(regions), p.PayloadBytes(), time.Since(start))
	telemetry.EndSpan(span, nil,
		attribute.Int("deltacast.regions", len(regions)),
		attribute.Int("deltacast.bytes", p.PayloadBytes()),
	)
	s.logger.Debug("sync frame built", "frame_id", id, "regions", len(regions), "bytes", p.PayloadBytes())
	return p, nil
}

func (s *Scheduler) worker(ctx context.Context, work <-chan *frameJob) {
	for job := range work {
		s.process(ctx, job)
		s.busy.Store(false)
	}
}

// process encodes one frame and broadcasts it.
func (s *Scheduler) process(ctx context.Context, job *frameJob) {
	start := time.Now()
	ctx, span := telemetry.StartFrameSpan(ctx, "scheduler.frame", job.id)

	if job.chroma == protocol.ChromaServerSide {
		for i := range job.jobs {
			pixel.ApplyChromaKey(job.jobs[i].Pixels, job.threshold)
		}
	}

	regions, err := s.codec.EncodeAll(ctx, job.jobs)
	if err != nil {
		telemetry.EndSpan(span, err)
		s.logger.Debug("frame encode aborted", "frame_id", job.id, "error", err)
		return
	}

	p := &protocol.FramePacket{
		FrameID:            job.id,
		ScreenWidth:        uint16(job.width),
		ScreenHeight:       uint16(job.height),
		ChromaMode:         job.chroma,
		ChromaThreshold:    job.threshold,
		CaptureTimestampUs: job.timestamp.UnixMicro(),
		Regions:            regions,
	}
	s.bc.Broadcast(p)
	s.stats.sent.Add(1)

	kind := "delta"
	if job.full {
		kind = "full"
		s.stats.fullScreen.Add(1)
	}
	s.metrics.ObserveFrame(kind, len(regions), p.PayloadBytes(), time.Since(start))
	if s.onFrame != nil {
		s.onFrame(p)
	}
	telemetry.EndSpan(span, nil,
		attribute.String("deltacast.frame_kind", kind),
		attribute.Int("deltacast.regions", len(regions)),
		attribute.Int("deltacast.bytes", p.PayloadBytes()),
	)
}
