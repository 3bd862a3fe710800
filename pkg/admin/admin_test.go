package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/deltacast/pkg/reconstruct"
	"github.com/vango-dev/deltacast/pkg/status"
	"github.com/vango-dev/deltacast/pkg/transport"
)

type fakePeers []transport.PeerInfo

func (p fakePeers) Peers() []transport.PeerInfo { return p }

type fakeFrames struct {
	frame reconstruct.Frame
	ok    bool
}

func (f *fakeFrames) Snapshot() (reconstruct.Frame, bool) { return f.frame, f.ok }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(WithRegistry(reg), WithLogger(quiet()))

	rec := get(t, s.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Errorf("/healthz body = %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "deltacast_admin_requests_total") {
		t.Error("/metrics missing admin request counter")
	}
}

func TestStatusEndpoint(t *testing.T) {
	hub := status.NewHub(quiet())
	hub.Publishf(status.KindConnect, "p1", "peer connected")
	s := New(
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(quiet()),
		WithHub(hub),
		WithStatus(func() any { return map[string]int{"peers": 3} }),
	)

	rec := get(t, s.Handler(), "/status")
	var body struct {
		Status map[string]int `json:"status"`
		Events []status.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if body.Status["peers"] != 3 {
		t.Errorf("status = %v", body.Status)
	}
	if len(body.Events) != 1 || body.Events[0].Peer != "p1" {
		t.Errorf("events = %+v", body.Events)
	}
}

func TestOptionalRoutes(t *testing.T) {
	s := New(WithRegistry(prometheus.NewRegistry()), WithLogger(quiet()))
	for _, path := range []string{"/peers", "/snapshot.png", "/status/ws"} {
		if rec := get(t, s.Handler(), path); rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d without provider, want 404", path, rec.Code)
		}
	}
}

func TestPeersEndpoint(t *testing.T) {
	peers := fakePeers{{ID: "a", Name: "desk", Sent: 10}, {ID: "b", Name: "wall"}}
	s := New(WithRegistry(prometheus.NewRegistry()), WithLogger(quiet()), WithPeers(peers))

	rec := get(t, s.Handler(), "/peers")
	if rec.Code != http.StatusOK {
		t.Fatalf("/peers = %d", rec.Code)
	}
	var got []transport.PeerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /peers: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[0].Sent != 10 || got[1].Name != "wall" {
		t.Errorf("peers = %+v", got)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	frames := &fakeFrames{}
	s := New(WithRegistry(prometheus.NewRegistry()), WithLogger(quiet()), WithFrames(frames))

	if rec := get(t, s.Handler(), "/snapshot.png"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/snapshot.png before first frame = %d, want 503", rec.Code)
	}

	frames.frame = reconstruct.Frame{Pixels: bytes.Repeat([]byte{0x10, 0x20, 0x30, 0xFF}, 6), Width: 3, Height: 2, FrameID: 4}
	frames.ok = true
	rec := get(t, s.Handler(), "/snapshot.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("/snapshot.png = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Errorf("bounds = %v", b)
	}
}

func TestStatusWebSocket(t *testing.T) {
	hub := status.NewHub(quiet())
	hub.Publishf(status.KindInfo, "", "hello")
	s := New(WithRegistry(prometheus.NewRegistry()), WithLogger(quiet()), WithHub(hub))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/status/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev status.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Message != "hello" {
		t.Errorf("event = %+v", ev)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(WithRegistry(prometheus.NewRegistry()), WithLogger(quiet()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
