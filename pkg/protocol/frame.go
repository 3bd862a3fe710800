package protocol

import (
	"errors"
	"fmt"
	"io"
)

// MessageHeaderSize is the size of a stream message header.
const MessageHeaderSize = 1 + 4

// MessageType identifies a message on the reliable per-peer stream.
type MessageType uint8

const (
	MsgHello   MessageType = 0x01 // Client → server handshake
	MsgWelcome MessageType = 0x02 // Server → client handshake reply
	MsgSync    MessageType = 0x03 // Server → client full frame, reliable
	MsgPing    MessageType = 0x04 // Heartbeat request
	MsgPong    MessageType = 0x05 // Heartbeat reply
	MsgRefresh MessageType = 0x06 // Client → server: request a new sync
	MsgClose   MessageType = 0x07 // Either side is leaving
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgWelcome:
		return "Welcome"
	case MsgSync:
		return "Sync"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgRefresh:
		return "Refresh"
	case MsgClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// Stream framing errors.
var (
	ErrMessageTooLarge    = errors.New("protocol: message too large")
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
)

// Message is one framed message read from the reliable stream.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage writes header and payload with a single Write call.
func WriteMessage(w io.Writer, t MessageType, payload []byte) error {
	e := NewEncoderWithCap(MessageHeaderSize + len(payload))
	e.WriteByte(byte(t))
	e.WriteUint32(uint32(len(payload)))
	e.WriteBytes(payload)
	_, err := w.Write(e.Bytes())
	return err
}

// ReadMessage reads one message. Payloads larger than maxSize (or
// HardMaxMessageSize when maxSize <= 0) are rejected before allocation.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 || maxSize > HardMaxMessageSize {
		maxSize = HardMaxMessageSize
	}

	var header [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	d := NewDecoder(header[:])
	tb, _ := d.ReadByte()
	length, _ := d.ReadUint32()

	t := MessageType(tb)
	if t < MsgHello || t > MsgClose {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, tb)
	}
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: payload}, nil
}
