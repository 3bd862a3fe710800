package transport

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vango-dev/deltacast/pkg/protocol"
)

// DefaultMaxDatagramSize keeps every datagram under the smallest path MTU
// QUIC guarantees.
const DefaultMaxDatagramSize = 1100

// ServerConfig configures the sending side.
type ServerConfig struct {
	// Address is the UDP address to listen on. Default: ":9400".
	Address string

	// MaxDatagramSize bounds every datagram, fragment header included.
	// Default: 1100.
	MaxDatagramSize int

	// PeerTimeout is how long a peer may stay silent before the reaper
	// removes it. Default: 5s.
	PeerTimeout time.Duration

	// CleanupInterval is the reaper period. Default: 1s.
	CleanupInterval time.Duration

	// HandshakeTimeout bounds the wait for a Hello. Default: 5s.
	HandshakeTimeout time.Duration

	// SyncTimeout bounds producing and writing one sync frame. Default: 5s.
	SyncTimeout time.Duration

	// ReadBufferSize and WriteBufferSize size the kernel socket buffers.
	// Default: 4 MiB each.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize bounds inbound stream messages. Default: 64 KiB.
	MaxMessageSize int

	// MaxPeers caps concurrent peers. Zero means unlimited.
	MaxPeers int

	// IdleTimeout is the QUIC idle timeout. Default: 2 × PeerTimeout.
	IdleTimeout time.Duration

	// TLSConfig overrides the generated self-signed certificate.
	TLSConfig *tls.Config
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:          ":9400",
		MaxDatagramSize:  DefaultMaxDatagramSize,
		PeerTimeout:      5 * time.Second,
		CleanupInterval:  time.Second,
		HandshakeTimeout: 5 * time.Second,
		SyncTimeout:      5 * time.Second,
		ReadBufferSize:   4 << 20,
		WriteBufferSize:  4 << 20,
		MaxMessageSize:   64 << 10,
	}
}

func (c *ServerConfig) withDefaults() *ServerConfig {
	out := *c
	def := DefaultServerConfig()
	if out.Address == "" {
		out.Address = def.Address
	}
	if out.MaxDatagramSize <= protocol.FragmentHeaderSize {
		out.MaxDatagramSize = def.MaxDatagramSize
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = def.PeerTimeout
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = def.CleanupInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = def.SyncTimeout
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = def.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = def.WriteBufferSize
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 2 * out.PeerTimeout
	}
	return &out
}

// ClientConfig configures the receiving side.
type ClientConfig struct {
	// Name is a free-form label reported to the server.
	Name string

	// HeartbeatInterval is the Ping period. It must stay well below the
	// server's PeerTimeout. Default: 1s.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds Dial, including the wait for the server to
	// prepare the first sync frame. Default: 10s.
	HandshakeTimeout time.Duration

	// MaxMessageSize bounds reliable sync frames. Default: 64 MiB.
	MaxMessageSize int

	// ReassemblyTimeout expires partially received frames. Default: 250ms.
	ReassemblyTimeout time.Duration

	// MaxPendingFrames bounds partial frames held at once. Default: 8.
	MaxPendingFrames int

	// ReadBufferSize and WriteBufferSize size the kernel socket buffers.
	// Default: 4 MiB each.
	ReadBufferSize  int
	WriteBufferSize int

	// IdleTimeout is the QUIC idle timeout. Default: 10s.
	IdleTimeout time.Duration

	// TLSConfig overrides the default, which accepts any certificate.
	TLSConfig *tls.Config
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HeartbeatInterval: time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    protocol.DefaultMaxMessageSize,
		ReassemblyTimeout: 250 * time.Millisecond,
		MaxPendingFrames:  8,
		ReadBufferSize:    4 << 20,
		WriteBufferSize:   4 << 20,
		IdleTimeout:       10 * time.Second,
	}
}

func (c *ClientConfig) withDefaults() *ClientConfig {
	out := *c
	def := DefaultClientConfig()
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = def.HeartbeatInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.ReassemblyTimeout <= 0 {
		out.ReassemblyTimeout = def.ReassemblyTimeout
	}
	if out.MaxPendingFrames <= 0 {
		out.MaxPendingFrames = def.MaxPendingFrames
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = def.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = def.WriteBufferSize
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = def.IdleTimeout
	}
	return &out
}

func quicConfig(idle, handshake time.Duration) *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		MaxIdleTimeout:       idle,
		HandshakeIdleTimeout: handshake,
		Allow0RTT:            false,
	}
}
