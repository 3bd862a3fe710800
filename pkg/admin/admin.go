// Package admin serves the HTTP side surface of a sender or receiver:
// health, Prometheus metrics, status JSON, the live status stream, and
// role-specific endpoints for peers and snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/deltacast/pkg/middleware"
	"github.com/vango-dev/deltacast/pkg/reconstruct"
	"github.com/vango-dev/deltacast/pkg/snapshot"
	"github.com/vango-dev/deltacast/pkg/status"
	"github.com/vango-dev/deltacast/pkg/transport"
)

// PeerLister lists connected receivers.
type PeerLister interface {
	Peers() []transport.PeerInfo
}

// FrameSource provides the current composite frame.
type FrameSource interface {
	Snapshot() (reconstruct.Frame, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry serves and records metrics on reg instead of the default
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = reg
	}
}

// WithStatus serves fn's result as JSON on /status.
func WithStatus(fn func() any) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// WithHub streams hub events on /status/ws.
func WithHub(hub *status.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithPeers serves the peer list on /peers.
func WithPeers(p PeerLister) Option {
	return func(s *Server) {
		s.peers = p
	}
}

// WithFrames serves the current frame on /snapshot.png.
func WithFrames(f FrameSource) Option {
	return func(s *Server) {
		s.frames = f
	}
}

// Server is the admin HTTP server.
type Server struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	status     func() any
	hub        *status.Hub
	peers      PeerLister
	frames     FrameSource
	started    time.Time

	router chi.Router
}

// New builds the router. Endpoints whose provider was not configured are
// not mounted.
func New(opts ...Option) *Server {
	s := &Server{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "admin")

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.OpenTelemetry())
	r.Use(middleware.Prometheus(middleware.WithRegistry(s.registerer)))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.handleStatus)
	if s.hub != nil {
		r.Method(http.MethodGet, "/status/ws", status.Handler(s.hub, nil, s.logger))
	}
	if s.peers != nil {
		r.Get("/peers", s.handlePeers)
	}
	if s.frames != nil {
		r.Get("/snapshot.png", s.handleSnapshot)
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if s.status != nil {
		body["status"] = s.status()
	}
	if s.hub != nil {
		body["events"] = s.hub.Recent(20)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peers.Peers())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.frames.Snapshot()
	if !ok {
		http.Error(w, "no frame received yet", http.StatusServiceUnavailable)
		return
	}
	data, err := snapshot.PNGBytes(f)
	if err != nil {
		s.logger.Warn("snapshot encode failed", "error", err)
		http.Error(w, "snapshot encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
