package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/telemetry"
)

// SyncProvider produces the full frame a new peer needs before it can apply
// deltas.
type SyncProvider interface {
	SyncFrame(ctx context.Context) (*protocol.FramePacket, error)
}

// SyncProviderFunc adapts a function to SyncProvider.
type SyncProviderFunc func(ctx context.Context) (*protocol.FramePacket, error)

// SyncFrame calls f(ctx).
func (f SyncProviderFunc) SyncFrame(ctx context.Context) (*protocol.FramePacket, error) {
	return f(ctx)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics records transport metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithSyncProvider sets the provider of new-peer sync frames.
func WithSyncProvider(p SyncProvider) ServerOption {
	return func(s *Server) {
		s.SetSyncProvider(p)
	}
}

// ServerStats contains aggregated peer statistics.
type ServerStats struct {
	Active            int
	Pending           int
	Peak              int
	TotalConnected    uint64
	TotalDisconnected uint64
	TotalTimedOut     uint64
	TotalRejected     uint64
}

// Server is the sending side: it accepts receivers, syncs them, and fans
// frame packets out to all of them.
type Server struct {
	config  *ServerConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	frag    *Fragmenter

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	// Peers map protected by mu. A peer is in the map from the end of its
	// handshake; it only counts as active once its sync was delivered.
	mu     sync.RWMutex
	peers  map[string]*peer
	active map[string]bool
	peak   int

	syncProvider atomic.Pointer[SyncProvider]

	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalTimedOut     atomic.Uint64
	totalRejected     atomic.Uint64

	// Callbacks
	onConnect    func(PeerInfo)
	onDisconnect func(PeerInfo, error)

	closed      atomic.Bool
	done        chan struct{}
	cleanupDone chan struct{}
	conns       sync.WaitGroup
}

// NewServer binds the UDP socket and starts listening for QUIC
// connections. Call Serve to accept them.
func NewServer(config *ServerConfig, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      config,
		logger:      logger.With("component", "transport_server"),
		frag:        NewFragmenter(config.MaxDatagramSize),
		peers:       make(map[string]*peer),
		active:      make(map[string]bool),
		done:        make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	tlsConf := config.TLSConfig
	if tlsConf == nil {
		var err error
		if tlsConf, err = ServerTLSConfig(); err != nil {
			return nil, err
		}
	}

	udp, err := listenUDP(config.Address, config.ReadBufferSize, config.WriteBufferSize, s.logger)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, quicConfig(config.IdleTimeout, config.HandshakeTimeout))
	if err != nil {
		tr.Close()
		udp.Close()
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	s.udp, s.tr, s.ln = udp, tr, ln

	go s.cleanupLoop()
	return s, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// SetSyncProvider sets the provider of new-peer sync frames.
func (s *Server) SetSyncProvider(p SyncProvider) {
	s.syncProvider.Store(&p)
}

// SetOnPeerConnect sets the callback run when a peer becomes active.
func (s *Server) SetOnPeerConnect(fn func(PeerInfo)) {
	s.onConnect = fn
}

// SetOnPeerDisconnect sets the callback run when an active peer is
// removed. The cause matches ErrPeerTimeout or ErrPeerDisconnected.
func (s *Server) SetOnPeerDisconnect(fn func(PeerInfo, error)) {
	s.onDisconnect = fn
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("listening", "addr", s.Addr().String(), "max_datagram", s.config.MaxDatagramSize)
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one peer from handshake to removal.
func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocol {
		conn.CloseWithError(codeProtocol, "unsupported ALPN: "+alpn)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	stream, err := conn.AcceptStream(hctx)
	cancel()
	if err != nil {
		s.logger.Debug("no control stream", "remote", remote, "error", err)
		conn.CloseWithError(codeProtocol, "no control stream")
		return
	}

	hello, status := s.readHello(stream)
	if status == protocol.HandshakeOK && !s.hasRoom() {
		status = protocol.HandshakeServerBusy
	}
	if status != protocol.HandshakeOK {
		s.reject(conn, stream, remote, status)
		return
	}

	p := newPeer(uuid.NewString(), hello.Name, conn, stream, s.logger)
	if !s.register(p) {
		s.reject(conn, stream, remote, protocol.HandshakeServerBusy)
		return
	}

	pkt, err := s.syncFrame(ctx)
	if err != nil {
		s.logger.Error("sync frame unavailable", "peer", p.id, "remote", remote, "error", err)
		_ = p.writeMessage(protocol.MsgWelcome, protocol.EncodeWelcome(&protocol.Welcome{
			Status: protocol.HandshakeInternalError,
			PeerID: p.id,
		}), s.config.HandshakeTimeout)
		linger(conn)
		s.drop(p, &PeerError{PeerID: p.id, Op: "sync", Err: err}, protocol.CloseError, codeSyncFailed)
		return
	}

	welcome := &protocol.Welcome{
		Status:       protocol.HandshakeOK,
		PeerID:       p.id,
		ServerTime:   uint64(time.Now().UnixMilli()),
		MaxDatagram:  uint16(s.config.MaxDatagramSize),
		ScreenWidth:  pkt.ScreenWidth,
		ScreenHeight: pkt.ScreenHeight,
	}
	if err := p.writeMessage(protocol.MsgWelcome, protocol.EncodeWelcome(welcome), s.config.HandshakeTimeout); err != nil {
		s.drop(p, &PeerError{PeerID: p.id, Op: "welcome", Err: err}, protocol.CloseError, codeProtocol)
		return
	}
	if err := s.sendSync(p, pkt); err != nil {
		s.logger.Warn("initial sync failed", "peer", p.id, "error", err)
		s.drop(p, err, protocol.CloseError, codeSyncFailed)
		return
	}

	s.activate(p)
	go p.sendLoop(s.metrics.DatagramsSent, func(err error) {
		s.metrics.SendError()
		s.logger.Warn("datagram send failed", "peer", p.id, "error", err)
	})
	s.controlLoop(ctx, p)
}

// readHello reads and validates the client's Hello.
func (s *Server) readHello(stream *quic.Stream) (*protocol.Hello, protocol.HandshakeStatus) {
	_ = stream.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer stream.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(stream, s.config.MaxMessageSize)
	if err != nil || msg.Type != protocol.MsgHello {
		return nil, protocol.HandshakeInvalidFormat
	}
	hello, err := protocol.DecodeHello(msg.Payload)
	if err != nil {
		return nil, protocol.HandshakeInvalidFormat
	}
	if hello.Version.Major != protocol.CurrentVersion.Major {
		return hello, protocol.HandshakeVersionMismatch
	}
	return hello, protocol.HandshakeOK
}

func (s *Server) reject(conn *quic.Conn, stream *quic.Stream, remote string, status protocol.HandshakeStatus) {
	s.totalRejected.Add(1)
	s.metrics.PeerEvent("rejected")
	s.logger.Warn("handshake rejected", "remote", remote, "status", status.String())

	_ = stream.SetWriteDeadline(time.Now().Add(s.config.HandshakeTimeout))
	_ = protocol.WriteMessage(stream, protocol.MsgWelcome, protocol.EncodeWelcome(&protocol.Welcome{Status: status}))
	_ = stream.Close()
	linger(conn)
	conn.CloseWithError(codeRejected, status.String())
}

// rejectLinger is how long a refused client gets to read its Welcome and
// hang up before the connection is torn down.
const rejectLinger = time.Second

// linger waits for the client to close conn, at most rejectLinger.
// CONNECTION_CLOSE would otherwise discard the unsent Welcome.
func linger(conn *quic.Conn) {
	t := time.NewTimer(rejectLinger)
	defer t.Stop()
	select {
	case <-conn.Context().Done():
	case <-t.C:
	}
}

func (s *Server) hasRoom() bool {
	if s.config.MaxPeers <= 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers) < s.config.MaxPeers
}

// register adds p as a pending peer. Broadcasts reach its outbox from here
// on, so nothing produced after its sync frame is missed.
func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	if s.config.MaxPeers > 0 && len(s.peers) >= s.config.MaxPeers {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *Server) activate(p *peer) {
	s.mu.Lock()
	if _, ok := s.peers[p.id]; !ok {
		s.mu.Unlock()
		return
	}
	s.active[p.id] = true
	n := len(s.active)
	if n > s.peak {
		s.peak = n
	}
	s.mu.Unlock()

	s.totalConnected.Add(1)
	s.metrics.PeerEvent("connect")
	s.metrics.SetPeers(n)
	s.logger.Info("peer connected", "peer", p.id, "name", p.name, "remote", p.remote.String(), "peers", n)
	if s.onConnect != nil {
		s.onConnect(p.info())
	}
}

// drop removes p and closes it. Only the first call for a peer has any
// effect; the disconnect callback fires for peers that were active.
func (s *Server) drop(p *peer, cause error, reason protocol.CloseReason, code quic.ApplicationErrorCode) {
	s.mu.Lock()
	_, present := s.peers[p.id]
	wasActive := s.active[p.id]
	delete(s.peers, p.id)
	delete(s.active, p.id)
	n := len(s.active)
	s.mu.Unlock()

	p.close(reason, closeText(cause), code)
	if !present || !wasActive {
		return
	}

	event := "disconnect"
	if errors.Is(cause, ErrPeerTimeout) {
		event = "timeout"
		s.totalTimedOut.Add(1)
	}
	s.totalDisconnected.Add(1)
	s.metrics.PeerEvent(event)
	s.metrics.SetPeers(n)
	s.logger.Info("peer removed", "peer", p.id, "reason", event, "error", cause, "peers", n)
	if s.onDisconnect != nil {
		s.onDisconnect(p.info(), cause)
	}
}

func closeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) syncFrame(ctx context.Context) (*protocol.FramePacket, error) {
	provider := s.syncProvider.Load()
	if provider == nil || *provider == nil {
		return nil, ErrNoSyncProvider
	}
	sctx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()
	return (*provider).SyncFrame(sctx)
}

// sendSync writes pkt to p over the reliable stream.
func (s *Server) sendSync(p *peer, pkt *protocol.FramePacket) error {
	if err := p.writeMessage(protocol.MsgSync, protocol.EncodeFramePacket(pkt), s.config.SyncTimeout); err != nil {
		return &PeerError{PeerID: p.id, Op: "sync", Err: err}
	}
	p.syncs.Add(1)
	s.metrics.SyncSent()
	return nil
}

// resync answers a refresh request. A failure ends the peer.
func (s *Server) resync(ctx context.Context, p *peer) {
	pkt, err := s.syncFrame(ctx)
	if err == nil {
		err = s.sendSync(p, pkt)
	}
	if err != nil {
		s.logger.Warn("refresh failed", "peer", p.id, "error", err)
		s.drop(p, &PeerError{PeerID: p.id, Op: "refresh", Err: err}, protocol.CloseError, codeSyncFailed)
		return
	}
	s.logger.Debug("refresh delivered", "peer", p.id, "frame", pkt.FrameID)
}

// controlLoop reads the peer's control stream until it fails or closes.
// Every message counts as liveness.
func (s *Server) controlLoop(ctx context.Context, p *peer) {
	for {
		msg, err := protocol.ReadMessage(p.stream, s.config.MaxMessageSize)
		if err != nil {
			s.drop(p, errors.Join(ErrPeerDisconnected, err), protocol.CloseGoingAway, codeNormal)
			return
		}
		p.touch()

		switch msg.Type {
		case protocol.MsgPing:
			if err := p.writeMessage(protocol.MsgPong, msg.Payload, s.config.PeerTimeout); err != nil {
				s.drop(p, errors.Join(ErrPeerDisconnected, err), protocol.CloseError, codeProtocol)
				return
			}
		case protocol.MsgPong:
		case protocol.MsgRefresh:
			if p.syncing.CompareAndSwap(false, true) {
				go func() {
					defer p.syncing.Store(false)
					s.resync(ctx, p)
				}()
			}
		case protocol.MsgClose:
			cause := ErrPeerDisconnected
			if cm, err := protocol.DecodeClose(msg.Payload); err == nil && cm.Message != "" {
				cause = fmt.Errorf("%w: %s", ErrPeerDisconnected, cm.Message)
			}
			s.drop(p, cause, protocol.CloseNormal, codeNormal)
			return
		default:
			err := fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
			s.drop(p, errors.Join(ErrPeerDisconnected, err), protocol.CloseError, codeProtocol)
			return
		}
	}
}

// Broadcast serializes and fragments pkt once and hands the datagrams to
// every peer's outbox. It never blocks on a peer; a peer that has not sent
// its previous packet yet loses it. Packets without regions are ignored.
func (s *Server) Broadcast(pkt *protocol.FramePacket) {
	if pkt == nil || len(pkt.Regions) == 0 {
		return
	}

	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	datagrams, err := s.frag.Split(pkt.FrameID, protocol.EncodeFramePacket(pkt))
	if err != nil {
		s.metrics.FrameDropped("too_large")
		s.logger.Error("frame not sent", "frame", pkt.FrameID, "error", err)
		return
	}
	for _, p := range targets {
		if p.out.publish(datagrams) {
			s.metrics.FrameDropped("outbox")
		}
	}
}

// PeerCount returns the number of active peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Peers returns the active peers, oldest first.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	out := make([]PeerInfo, 0, len(s.active))
	for id := range s.active {
		out = append(out, s.peers[id].info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns aggregated peer statistics.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	active, pending, peak := len(s.active), len(s.peers)-len(s.active), s.peak
	s.mu.RUnlock()

	return ServerStats{
		Active:            active,
		Pending:           pending,
		Peak:              peak,
		TotalConnected:    s.totalConnected.Load(),
		TotalDisconnected: s.totalDisconnected.Load(),
		TotalTimedOut:     s.totalTimedOut.Load(),
		TotalRejected:     s.totalRejected.Load(),
	}
}

// cleanupLoop periodically removes silent peers.
func (s *Server) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes active peers silent for longer than PeerTimeout.
func (s *Server) cleanupExpired() {
	now := time.Now()
	var expired []*peer

	s.mu.RLock()
	for id := range s.active {
		p := s.peers[id]
		if now.Sub(p.idleSince()) > s.config.PeerTimeout {
			expired = append(expired, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range expired {
		s.drop(p, &PeerError{PeerID: p.id, Op: "heartbeat", Err: ErrPeerTimeout}, protocol.CloseTimeout, codeTimeout)
	}
	if len(expired) > 0 {
		s.logger.Info("reaped silent peers", "count", len(expired), "remaining", s.PeerCount())
	}
}

// Close disconnects every peer and releases the socket.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	<-s.cleanupDone

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			s.drop(p, errors.Join(ErrPeerDisconnected, ErrServerClosed), protocol.CloseServerShutdown, codeServerShutdown)
		}(p)
	}
	wg.Wait()

	err := s.ln.Close()
	s.tr.Close()
	s.udp.Close()
	s.conns.Wait()

	s.logger.Info("server closed", "closed_peers", len(peers))
	return err
}
