package transport

import (
	"errors"
	"fmt"

	"github.com/vango-dev/deltacast/pkg/protocol"
)

// Sentinel errors for transport conditions.
var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("transport: server closed")

	// ErrSendFailed wraps a datagram send failure for one peer.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrPeerTimeout is the removal cause for a peer that went silent.
	ErrPeerTimeout = errors.New("transport: peer timed out")

	// ErrPeerDisconnected is the removal cause for a peer that left or
	// whose connection broke.
	ErrPeerDisconnected = errors.New("transport: peer disconnected")

	// ErrPacketTooLarge is returned when a packet needs more fragments than
	// the fragment header can count.
	ErrPacketTooLarge = errors.New("transport: packet too large to fragment")

	// ErrNoSyncProvider is returned when a peer connects before
	// SetSyncProvider was called.
	ErrNoSyncProvider = errors.New("transport: no sync provider")

	// ErrUnexpectedMessage is returned for a stream message that is not
	// valid at that point of the conversation.
	ErrUnexpectedMessage = errors.New("transport: unexpected message")
)

// PeerError wraps an error with peer context.
type PeerError struct {
	PeerID string
	Op     string // Operation that failed
	Err    error  // Underlying error
}

// Error returns the error message with peer context.
func (e *PeerError) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *PeerError) Unwrap() error {
	return e.Err
}

// HandshakeError is returned by Dial when the server refuses the client.
type HandshakeError struct {
	Status protocol.HandshakeStatus
}

// Error returns the error message.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected: %s", e.Status)
}
