package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/deltacast/pkg/capture"
	"github.com/vango-dev/deltacast/pkg/codec"
	"github.com/vango-dev/deltacast/pkg/pixel"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
)

const (
	testWidth  = 64
	testHeight = 32
)

// pattern returns a deterministic test screen.
func pattern(w, h int) []byte {
	buf := make([]byte, pixel.Size(w, h))
	for i := range buf {
		buf[i] = byte(i*7 + i/5)
	}
	return buf
}

type step struct {
	rects []region.Rect
	err   error
}

// fakeSource replays scripted steps and reports no changes when the
// script is empty.
type fakeSource struct {
	w, h      int
	frame     []byte
	steps     chan step
	reinitErr error

	polls     atomic.Int32
	snapshots atomic.Int32
	reinits   atomic.Int32
	closed    atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		w:     testWidth,
		h:     testHeight,
		frame: pattern(testWidth, testHeight),
		steps: make(chan step, 16),
	}
}

func (f *fakeSource) Poll(ctx context.Context, timeout time.Duration) (*capture.Result, error) {
	f.polls.Add(1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-f.steps:
		if st.err != nil {
			return nil, st.err
		}
		return &capture.Result{
			Pixels:     f.frame,
			Stride:     f.w * pixel.BytesPerPixel,
			DirtyRects: st.rects,
			Timestamp:  time.Now(),
		}, nil
	case <-timer.C:
		return &capture.Result{NoChanges: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Snapshot(ctx context.Context) (*capture.Result, error) {
	f.snapshots.Add(1)
	return &capture.Result{
		Pixels:     f.frame,
		Stride:     f.w * pixel.BytesPerPixel,
		DirtyRects: []region.Rect{region.Full(f.w, f.h)},
		Timestamp:  time.Now(),
	}, nil
}

func (f *fakeSource) Width() int  { return f.w }
func (f *fakeSource) Height() int { return f.h }

func (f *fakeSource) Reinitialize() error {
	f.reinits.Add(1)
	return f.reinitErr
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeBroadcaster records encoded packets. A non-nil gate blocks Broadcast
// until it is closed.
type fakeBroadcaster struct {
	peers   atomic.Int32
	gate    chan struct{}
	entered chan struct{}
	packets chan []byte
}

func newFakeBroadcaster(peers int) *fakeBroadcaster {
	b := &fakeBroadcaster{
		entered: make(chan struct{}, 16),
		packets: make(chan []byte, 64),
	}
	b.peers.Store(int32(peers))
	return b
}

func (b *fakeBroadcaster) PeerCount() int { return int(b.peers.Load()) }

func (b *fakeBroadcaster) Broadcast(p *protocol.FramePacket) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	if b.gate != nil {
		<-b.gate
	}
	b.packets <- protocol.EncodeFramePacket(p)
}

func (b *fakeBroadcaster) next(t *testing.T) *protocol.FramePacket {
	t.Helper()
	select {
	case data := <-b.packets:
		p, err := protocol.DecodeFramePacket(data)
		if err != nil {
			t.Fatalf("DecodeFramePacket: %v", err)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func testConfig() Config {
	return Config{
		FrameInterval:  time.Millisecond,
		IdleInterval:   5 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
		FailureBackoff: 5 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// start runs a scheduler over src and stops it when the test ends.
func start(t *testing.T, factory capture.Factory, bc Broadcaster, cfg Config, opts ...Option) (*Scheduler, <-chan error) {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New(factory, bc, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, "loop start", s.running.Load)

	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return s, done
}

func sourceFactory(srcs ...*fakeSource) (capture.Factory, *atomic.Int32) {
	var calls atomic.Int32
	var mu sync.Mutex
	return func() (capture.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		n := int(calls.Add(1)) - 1
		if n >= len(srcs) {
			return nil, errors.New("no more sources")
		}
		return srcs[n], nil
	}, &calls
}

// regionPixels decodes r and returns the raw pixels.
func regionPixels(t *testing.T, r protocol.DirtyRegion) []byte {
	t.Helper()
	out, err := codec.New(codec.DefaultOptions()).DecodeRegion(r)
	if err != nil {
		t.Fatalf("DecodeRegion: %v", err)
	}
	return out
}

func rectOf(r protocol.DirtyRegion) region.Rect {
	return region.Rect{X: int(r.X), Y: int(r.Y), Width: int(r.Width), Height: int(r.Height)}
}

func TestSchedulerIdleWithoutPeers(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	s, _ := start(t, factory, newFakeBroadcaster(0), testConfig())

	time.Sleep(30 * time.Millisecond)
	if got := src.polls.Load(); got != 0 {
		t.Errorf("polls = %d, want 0 while idle", got)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle", s.State())
	}
	if s.FrameID() != 0 {
		t.Errorf("FrameID = %d, want 0", s.FrameID())
	}
}

func TestSchedulerChangedFrame(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	s, _ := start(t, factory, bc, testConfig())

	dirty := region.Rect{X: 4, Y: 2, Width: 16, Height: 8}
	src.steps <- step{rects: []region.Rect{dirty}}

	p := bc.next(t)
	if s.State() != StateCapturing {
		t.Errorf("State = %v, want capturing", s.State())
	}
	if p.ScreenWidth != testWidth || p.ScreenHeight != testHeight {
		t.Errorf("screen = %dx%d", p.ScreenWidth, p.ScreenHeight)
	}
	if p.FrameID == 0 || p.FrameID > s.FrameID() {
		t.Errorf("FrameID = %d, scheduler at %d", p.FrameID, s.FrameID())
	}
	if len(p.Regions) != 1 || rectOf(p.Regions[0]) != dirty {
		t.Fatalf("regions = %+v, want one %v", p.Regions, dirty)
	}
	want := pixel.Extract(nil, pattern(testWidth, testHeight), testWidth*pixel.BytesPerPixel, dirty)
	if !bytes.Equal(regionPixels(t, p.Regions[0]), want) {
		t.Error("region pixels differ from the captured frame")
	}
	if p.CaptureTimestampUs == 0 {
		t.Error("CaptureTimestampUs not set")
	}
	waitFor(t, "sent counter", func() bool { return s.Stats().FramesSent == 1 })
}

func TestSchedulerNoChangesAdvancesFrameID(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	s, _ := start(t, factory, bc, testConfig())

	waitFor(t, "frame ids", func() bool { return s.FrameID() >= 3 })
	if len(bc.packets) != 0 {
		t.Errorf("%d packets broadcast for unchanged frames", len(bc.packets))
	}
	if s.Stats().FramesUnchanged < 3 {
		t.Errorf("FramesUnchanged = %d", s.Stats().FramesUnchanged)
	}
}

func TestSchedulerDropsWhileBusyAndCarriesRects(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	gate := make(chan struct{})
	bc.gate = gate
	s, _ := start(t, factory, bc, testConfig())

	a := region.Rect{X: 0, Y: 0, Width: 8, Height: 8}
	b := region.Rect{X: 16, Y: 0, Width: 8, Height: 8}
	c := region.Rect{X: 32, Y: 8, Width: 8, Height: 8}
	d := region.Rect{X: 48, Y: 16, Width: 8, Height: 8}

	src.steps <- step{rects: []region.Rect{a}}
	select {
	case <-bc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never reached the broadcaster")
	}

	src.steps <- step{rects: []region.Rect{b}}
	src.steps <- step{rects: []region.Rect{c}}
	src.steps <- step{rects: []region.Rect{d}}
	waitFor(t, "busy drops", func() bool { return s.Stats().DroppedBusy == 3 })
	close(gate)

	first := bc.next(t)
	if len(first.Regions) != 1 || rectOf(first.Regions[0]) != a {
		t.Fatalf("first regions = %+v", first.Regions)
	}

	// No further changes arrive: the carried rects still go out.
	second := bc.next(t)
	if int64(second.FrameID)-int64(first.FrameID) < 4 {
		t.Errorf("frame ids %d then %d, dropped frames must consume ids", first.FrameID, second.FrameID)
	}

	got := map[region.Rect]bool{}
	for _, r := range second.Regions {
		got[rectOf(r)] = true
	}
	for _, want := range []region.Rect{b, c, d} {
		if !got[want] {
			t.Errorf("second packet missing carried rect %v; got %v", want, got)
		}
	}
	if len(second.Regions) != 3 {
		t.Errorf("second packet has %d regions, want 3", len(second.Regions))
	}
}

func TestSchedulerFlushesCarryOnStaticScreen(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	gate := make(chan struct{})
	bc.gate = gate
	s, _ := start(t, factory, bc, testConfig())

	a := region.Rect{X: 0, Y: 0, Width: 8, Height: 8}
	b := region.Rect{X: 16, Y: 0, Width: 8, Height: 8}

	src.steps <- step{rects: []region.Rect{a}}
	select {
	case <-bc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never reached the broadcaster")
	}
	src.steps <- step{rects: []region.Rect{b}}
	waitFor(t, "busy drop", func() bool { return s.Stats().DroppedBusy == 1 })
	close(gate)

	bc.next(t)
	flushed := bc.next(t)
	if len(flushed.Regions) != 1 || rectOf(flushed.Regions[0]) != b {
		t.Fatalf("flushed regions = %+v, want only %v", flushed.Regions, b)
	}
	want := pixel.Extract(nil, pattern(testWidth, testHeight), testWidth*pixel.BytesPerPixel, b)
	if !bytes.Equal(regionPixels(t, flushed.Regions[0]), want) {
		t.Error("flushed region pixels differ from the snapshot")
	}
	if src.snapshots.Load() == 0 {
		t.Error("flush did not take a snapshot")
	}

	// Once flushed, a static screen sends nothing more.
	base := s.Stats().FramesUnchanged
	waitFor(t, "unchanged polls", func() bool { return s.Stats().FramesUnchanged >= base+5 })
	if n := len(bc.packets); n != 0 {
		t.Errorf("%d extra packets on a static screen", n)
	}
}

func TestSchedulerDeviceLostRecreatesSource(t *testing.T) {
	first := newFakeSource()
	first.reinitErr = errors.New("reinit unsupported")
	second := newFakeSource()
	factory, calls := sourceFactory(first, second)
	bc := newFakeBroadcaster(1)
	s, _ := start(t, factory, bc, testConfig())

	first.steps <- step{err: &capture.Failure{Op: "poll", Err: capture.ErrDeviceLost}}
	waitFor(t, "factory call", func() bool { return calls.Load() == 2 })
	if !first.closed.Load() {
		t.Error("lost source not closed")
	}
	if first.reinits.Load() != 1 {
		t.Errorf("Reinitialize called %d times, want 1", first.reinits.Load())
	}

	second.steps <- step{rects: []region.Rect{{X: 1, Y: 1, Width: 2, Height: 2}}}
	p := bc.next(t)
	if !p.IsFullScreen() {
		t.Errorf("first frame after reset covers %d regions, want full screen", len(p.Regions))
	}
	st := s.Stats()
	if st.DeviceResets != 1 || st.FullScreen != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSchedulerDeviceLostReinitializesInPlace(t *testing.T) {
	src := newFakeSource()
	factory, calls := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	start(t, factory, bc, testConfig())

	src.steps <- step{err: &capture.Failure{Op: "poll", Err: capture.ErrDeviceLost}}
	src.steps <- step{rects: []region.Rect{{X: 1, Y: 1, Width: 2, Height: 2}}}
	p := bc.next(t)
	if !p.IsFullScreen() {
		t.Error("frame after reinitialize is not full screen")
	}
	if calls.Load() != 1 {
		t.Errorf("factory called %d times, want 1", calls.Load())
	}
	if src.closed.Load() {
		t.Error("source closed despite successful Reinitialize")
	}
}

func TestSchedulerTransientFailureBacksOff(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	s, _ := start(t, factory, bc, testConfig())

	src.steps <- step{err: &capture.Failure{Op: "poll", Err: capture.ErrCaptureFailed}}
	src.steps <- step{rects: []region.Rect{{X: 0, Y: 0, Width: 4, Height: 4}}}
	bc.next(t)

	if got := s.Stats().CaptureErrors; got != 1 {
		t.Errorf("CaptureErrors = %d, want 1", got)
	}
	if s.Stats().DeviceResets != 0 {
		t.Error("transient failure reset the device")
	}
}

func TestSchedulerSyncFrame(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	cfg := testConfig()
	cfg.Normalizer = region.Config{TileSize: 16}
	s, _ := start(t, factory, newFakeBroadcaster(0), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := s.SyncFrame(ctx)
	if err != nil {
		t.Fatalf("SyncFrame: %v", err)
	}
	if !p.IsFullScreen() {
		t.Error("sync frame is not full screen")
	}
	if len(p.Regions) != (testWidth/16)*(testHeight/16) {
		t.Errorf("regions = %d, want %d tiles", len(p.Regions), (testWidth/16)*(testHeight/16))
	}

	stride := testWidth * pixel.BytesPerPixel
	composite := make([]byte, pixel.Size(testWidth, testHeight))
	for _, r := range p.Regions {
		pixel.Blit(composite, stride, regionPixels(t, r), rectOf(r))
	}
	if !bytes.Equal(composite, pattern(testWidth, testHeight)) {
		t.Error("sync frame does not reproduce the screen")
	}

	if src.polls.Load() != 0 {
		t.Errorf("idle scheduler polled %d times", src.polls.Load())
	}
	if p.FrameID != s.FrameID() {
		t.Errorf("sync FrameID = %d, scheduler at %d", p.FrameID, s.FrameID())
	}
	if s.Stats().SyncsServed != 1 {
		t.Errorf("SyncsServed = %d", s.Stats().SyncsServed)
	}

	again, err := s.SyncFrame(ctx)
	if err != nil {
		t.Fatalf("second SyncFrame: %v", err)
	}
	if again.FrameID <= p.FrameID {
		t.Errorf("second sync id %d not after %d", again.FrameID, p.FrameID)
	}
}

func TestSchedulerSyncFrameNotRunning(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	s, err := New(factory, newFakeBroadcaster(1), testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.SyncFrame(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SyncFrame before Run = %v, want ErrNotRunning", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed.Load() {
		t.Error("Stop before Run did not close the source")
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after Stop = %v, want ErrStopped", err)
	}
	if _, err := s.SyncFrame(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("SyncFrame after Stop = %v, want ErrStopped", err)
	}
}

func TestSchedulerStop(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	s, err := New(factory, newFakeBroadcaster(1), testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, "capturing", func() bool { return s.State() == StateCapturing })

	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after Stop", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State = %v, want stopped", s.State())
	}
	if !src.closed.Load() {
		t.Error("source not closed after Stop")
	}
	if _, err := s.SyncFrame(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("SyncFrame after Stop = %v, want ErrStopped", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestSchedulerContextCancel(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	s, err := New(factory, newFakeBroadcaster(1), testConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, "capturing", func() bool { return s.State() == StateCapturing })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !src.closed.Load() {
		t.Error("source not closed after cancel")
	}
}

func TestSchedulerServerSideChroma(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	cfg := testConfig()
	cfg.ChromaMode = protocol.ChromaServerSide
	cfg.ChromaThreshold = 100
	start(t, factory, bc, cfg)

	dirty := region.Rect{X: 8, Y: 8, Width: 8, Height: 8}
	src.steps <- step{rects: []region.Rect{dirty}}
	p := bc.next(t)

	if p.ChromaMode != protocol.ChromaServerSide || p.ChromaThreshold != 100 {
		t.Errorf("chroma = %v/%d", p.ChromaMode, p.ChromaThreshold)
	}
	want := pixel.Extract(nil, pattern(testWidth, testHeight), testWidth*pixel.BytesPerPixel, dirty)
	pixel.ApplyChromaKey(want, 100)
	if !bytes.Equal(regionPixels(t, p.Regions[0]), want) {
		t.Error("region pixels were not keyed")
	}
}

func TestSchedulerUpdateConfig(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	s, _ := start(t, factory, bc, testConfig())

	s.UpdateConfig(func(c *Config) {
		c.ChromaMode = protocol.ChromaClientSide
		c.ChromaThreshold = 40
		c.FrameInterval = 2 * time.Millisecond
	})
	if got := s.Config().FrameInterval; got != 2*time.Millisecond {
		t.Errorf("FrameInterval = %v", got)
	}

	dirty := region.Rect{X: 0, Y: 0, Width: 8, Height: 8}
	src.steps <- step{rects: []region.Rect{dirty}}
	p := bc.next(t)
	if p.ChromaMode != protocol.ChromaClientSide || p.ChromaThreshold != 40 {
		t.Errorf("chroma = %v/%d, want client/40", p.ChromaMode, p.ChromaThreshold)
	}
	want := pixel.Extract(nil, pattern(testWidth, testHeight), testWidth*pixel.BytesPerPixel, dirty)
	if !bytes.Equal(regionPixels(t, p.Regions[0]), want) {
		t.Error("client-side chroma must leave pixels untouched")
	}
}

func TestSchedulerOnFrameHook(t *testing.T) {
	src := newFakeSource()
	factory, _ := sourceFactory(src)
	bc := newFakeBroadcaster(1)
	var hooked atomic.Uint32
	start(t, factory, bc, testConfig(), WithOnFrame(func(p *protocol.FramePacket) {
		hooked.Store(p.FrameID)
	}))

	src.steps <- step{rects: []region.Rect{{X: 0, Y: 0, Width: 4, Height: 4}}}
	p := bc.next(t)
	waitFor(t, "hook", func() bool { return hooked.Load() == p.FrameID })
}

func TestNewValidation(t *testing.T) {
	bc := newFakeBroadcaster(0)
	if _, err := New(nil, bc, Config{}); err == nil {
		t.Error("New(nil factory) succeeded")
	}
	factory, _ := sourceFactory(newFakeSource())
	if _, err := New(factory, nil, Config{}); err == nil {
		t.Error("New(nil broadcaster) succeeded")
	}
	failing := func() (capture.Source, error) { return nil, capture.ErrDeviceLost }
	if _, err := New(failing, bc, Config{}); !errors.Is(err, capture.ErrDeviceLost) {
		t.Errorf("New(failing factory) = %v, want ErrDeviceLost", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ChromaMode: protocol.ChromaMode(9)}.withDefaults()
	def := DefaultConfig()
	if cfg.FrameInterval != def.FrameInterval || cfg.PollTimeout != def.PollTimeout ||
		cfg.StopTimeout != def.StopTimeout || cfg.FailureBackoff != def.FailureBackoff {
		t.Errorf("withDefaults = %+v", cfg)
	}
	if cfg.ChromaMode != protocol.ChromaNone {
		t.Errorf("invalid chroma mode kept: %v", cfg.ChromaMode)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateCapturing: "capturing",
		StateStopped:   "stopped",
		State(42):      "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
