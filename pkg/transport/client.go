package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// Delivery is one complete encoded FramePacket.
type Delivery struct {
	Data []byte

	// Reliable is true for sync frames delivered over the control stream.
	Reliable bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics records receive-side transport metrics.
func WithClientMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is the receiving side of one connection. It does not reconnect.
type Client struct {
	config  *ClientConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics

	udp    *net.UDPConn
	tr     *quic.Transport
	conn   *quic.Conn
	stream *quic.Stream

	welcome protocol.Welcome
	reasm   *Reassembler
	writeMu sync.Mutex
	rtt     atomic.Int64

	closeOnce sync.Once
}

// Dial connects to a sender at addr and completes the handshake.
func Dial(ctx context.Context, addr string, config *ClientConfig, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config: config,
		logger: logger.With("component", "transport_client", "server", addr),
		reasm:  NewReassembler(config.ReassemblyTimeout, config.MaxPendingFrames),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reasm.observe = c.metrics.FragmentEvent

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	udp, err := listenUDP(":0", config.ReadBufferSize, config.WriteBufferSize, c.logger)
	if err != nil {
		return nil, err
	}
	c.udp = udp
	c.tr = &quic.Transport{Conn: udp}

	tlsConf := config.TLSConfig
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}

	dctx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	conn, err := c.tr.Dial(dctx, raddr, tlsConf, quicConfig(config.IdleTimeout, config.HandshakeTimeout))
	if err != nil {
		c.release()
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c.conn = conn

	if err := c.handshake(dctx); err != nil {
		conn.CloseWithError(codeProtocol, "handshake failed")
		c.release()
		return nil, err
	}
	c.logger.Info("connected",
		"peer", c.welcome.PeerID,
		"screen", fmt.Sprintf("%dx%d", c.welcome.ScreenWidth, c.welcome.ScreenHeight))
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open control stream: %w", err)
	}
	c.stream = stream

	hello := protocol.EncodeHello(&protocol.Hello{Version: protocol.CurrentVersion, Name: c.config.Name})
	if err := c.writeMessage(protocol.MsgHello, hello); err != nil {
		return fmt.Errorf("transport: send hello: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	defer stream.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(stream, c.config.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("transport: read welcome: %w", err)
	}
	if msg.Type != protocol.MsgWelcome {
		return fmt.Errorf("%w: %s during handshake", ErrUnexpectedMessage, msg.Type)
	}
	w, err := protocol.DecodeWelcome(msg.Payload)
	if err != nil {
		return fmt.Errorf("transport: decode welcome: %w", err)
	}
	if w.Status != protocol.HandshakeOK {
		return &HandshakeError{Status: w.Status}
	}
	c.welcome = *w
	return nil
}

// Welcome returns the server's handshake reply.
func (c *Client) Welcome() protocol.Welcome {
	return c.welcome
}

// RTT returns the round trip time measured by the latest heartbeat.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// Run delivers packets to handler, one at a time, until ctx is done or the
// connection is lost. Datagram reassemblies and sync frames share the same
// delivery loop. The first delivery is always the reliable sync frame;
// datagrams that complete before it are discarded.
func (c *Client) Run(ctx context.Context, handler func(Delivery)) error {
	g, gctx := errgroup.WithContext(ctx)
	deliveries := make(chan Delivery, 4)
	synced := make(chan struct{})

	g.Go(func() error { return c.readDatagrams(gctx, deliveries, synced) })
	g.Go(func() error { return c.readStream(gctx, deliveries, synced) })
	g.Go(func() error { return c.heartbeat(gctx) })
	g.Go(func() error {
		// Stream reads ignore contexts; a past deadline unblocks them.
		<-gctx.Done()
		_ = c.stream.SetReadDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case d := <-deliveries:
				handler(d)
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) readDatagrams(ctx context.Context, out chan<- Delivery, synced <-chan struct{}) error {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return &PeerError{Op: "receive", Err: errors.Join(ErrPeerDisconnected, err)}
		}
		pkt, ok := c.reasm.Add(data)
		if !ok {
			continue
		}
		select {
		case <-synced:
		default:
			// A broadcast overtook the sync frame; it would be painted over
			// by the older sync and leave stale pixels behind.
			c.metrics.FragmentEvent("presync")
			continue
		}
		select {
		case out <- Delivery{Data: pkt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readStream(ctx context.Context, out chan<- Delivery, synced chan<- struct{}) error {
	first := true
	for {
		msg, err := protocol.ReadMessage(c.stream, c.config.MaxMessageSize)
		if err != nil {
			return &PeerError{Op: "read", Err: errors.Join(ErrPeerDisconnected, err)}
		}
		switch msg.Type {
		case protocol.MsgSync:
			select {
			case out <- Delivery{Data: msg.Payload, Reliable: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if first {
				first = false
				close(synced)
			}
		case protocol.MsgPong:
			if pp, err := protocol.DecodePingPong(msg.Payload); err == nil {
				sent := time.UnixMilli(int64(pp.Timestamp))
				c.rtt.Store(int64(time.Since(sent)))
			}
		case protocol.MsgPing:
			if err := c.writeMessage(protocol.MsgPong, msg.Payload); err != nil {
				return &PeerError{Op: "pong", Err: err}
			}
		case protocol.MsgClose:
			cm, err := protocol.DecodeClose(msg.Payload)
			if err != nil {
				return &PeerError{Op: "close", Err: ErrPeerDisconnected}
			}
			c.logger.Info("server closed the stream", "reason", cm.Reason.String(), "message", cm.Message)
			cause := ErrPeerDisconnected
			if cm.Reason == protocol.CloseTimeout {
				cause = ErrPeerTimeout
			}
			return &PeerError{Op: "close", Err: fmt.Errorf("%w: %s", cause, cm.Reason)}
		default:
			c.logger.Debug("ignoring control message", "type", msg.Type.String())
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ping := protocol.EncodePingPong(&protocol.PingPong{Timestamp: uint64(time.Now().UnixMilli())})
			if err := c.writeMessage(protocol.MsgPing, ping); err != nil {
				return &PeerError{Op: "heartbeat", Err: errors.Join(ErrPeerDisconnected, err)}
			}
		}
	}
}

// RequestRefresh asks the server for a new reliable sync frame.
func (c *Client) RequestRefresh() error {
	return c.writeMessage(protocol.MsgRefresh, nil)
}

func (c *Client) writeMessage(t protocol.MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.stream, t, payload)
}

// Close says goodbye to the server and releases the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.stream != nil {
			_ = c.stream.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			_ = c.writeMessage(protocol.MsgClose, protocol.EncodeClose(&protocol.CloseMessage{Reason: protocol.CloseGoingAway}))
			_ = c.stream.Close()
		}
		if c.conn != nil {
			c.conn.CloseWithError(codeNormal, "client closing")
		}
		c.release()
	})
	return nil
}

func (c *Client) release() {
	if c.tr != nil {
		c.tr.Close()
	}
	if c.udp != nil {
		c.udp.Close()
	}
}
