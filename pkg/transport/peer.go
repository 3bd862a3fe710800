package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vango-dev/deltacast/pkg/protocol"
)

// Application error codes sent in QUIC CONNECTION_CLOSE frames.
const (
	codeNormal         quic.ApplicationErrorCode = 0x0
	codeTimeout        quic.ApplicationErrorCode = 0x1
	codeProtocol       quic.ApplicationErrorCode = 0x2
	codeSyncFailed     quic.ApplicationErrorCode = 0x3
	codeServerShutdown quic.ApplicationErrorCode = 0x4
	codeRejected       quic.ApplicationErrorCode = 0x5
)

// PeerInfo is a point-in-time view of a connected receiver.
type PeerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	Sent        uint64    `json:"sent"`        // Packets fully handed to the network
	Dropped     uint64    `json:"dropped"`     // Packets overwritten before sending
	SendErrors  uint64    `json:"send_errors"` // Packets abandoned on a send error
	Syncs       uint64    `json:"syncs"`
}

// peer is one receiver: its QUIC connection, control stream and outbox.
type peer struct {
	id          string
	name        string
	conn        *quic.Conn
	stream      *quic.Stream
	remote      net.Addr
	connectedAt time.Time

	lastActive atomic.Int64 // Unix nanoseconds
	sent       atomic.Uint64
	sendErrors atomic.Uint64
	syncs      atomic.Uint64
	syncing    atomic.Bool

	out     *outbox
	writeMu sync.Mutex // Serializes control stream writes

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

func newPeer(id, name string, conn *quic.Conn, stream *quic.Stream, logger *slog.Logger) *peer {
	p := &peer{
		id:          id,
		name:        name,
		conn:        conn,
		stream:      stream,
		remote:      conn.RemoteAddr(),
		connectedAt: time.Now(),
		out:         newOutbox(),
		done:        make(chan struct{}),
		logger:      logger.With("peer", id),
	}
	p.touch()
	return p
}

func (p *peer) touch() {
	p.lastActive.Store(time.Now().UnixNano())
}

func (p *peer) idleSince() time.Time {
	return time.Unix(0, p.lastActive.Load())
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:          p.id,
		Name:        p.name,
		Remote:      p.remote.String(),
		ConnectedAt: p.connectedAt,
		LastActive:  p.idleSince(),
		Sent:        p.sent.Load(),
		Dropped:     p.out.droppedCount(),
		SendErrors:  p.sendErrors.Load(),
		Syncs:       p.syncs.Load(),
	}
}

// writeMessage writes one control message, bounded by timeout when positive.
func (p *peer) writeMessage(t protocol.MessageType, payload []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if timeout > 0 {
		_ = p.stream.SetWriteDeadline(time.Now().Add(timeout))
		defer p.stream.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteMessage(p.stream, t, payload)
}

// sendLoop drains the outbox until it is closed. A failed datagram
// abandons the rest of its packet; the receiver cannot use it anyway.
func (p *peer) sendLoop(onSent func(n int), onError func(err error)) {
	for {
		datagrams := p.out.take()
		if datagrams == nil {
			return
		}
		var failed error
		for _, d := range datagrams {
			if err := p.conn.SendDatagram(d); err != nil {
				failed = err
				break
			}
		}
		if failed != nil {
			p.sendErrors.Add(1)
			onError(&PeerError{PeerID: p.id, Op: "send", Err: errors.Join(ErrSendFailed, failed)})
			if p.conn.Context().Err() != nil {
				return
			}
			continue
		}
		p.sent.Add(1)
		onSent(len(datagrams))
	}
}

// close tells the receiver why it is being dropped, then tears down the
// connection. It is safe to call more than once.
func (p *peer) close(reason protocol.CloseReason, msg string, code quic.ApplicationErrorCode) {
	p.closeOnce.Do(func() {
		p.out.close()
		// Best effort: CONNECTION_CLOSE may overtake the message.
		payload := protocol.EncodeClose(&protocol.CloseMessage{Reason: reason, Message: msg})
		if err := p.writeMessage(protocol.MsgClose, payload, 500*time.Millisecond); err != nil && !errors.Is(err, io.EOF) {
			p.logger.Debug("close message not delivered", "error", err)
		}
		_ = p.stream.Close()
		_ = p.conn.CloseWithError(code, reason.String())
		close(p.done)
	})
}
