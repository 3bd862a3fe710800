package protocol

import (
	"errors"
	"fmt"
)

// Magic identifies a deltacast client on a fresh stream.
const Magic = "DCST"

// ErrBadMagic is returned when a Hello does not start with Magic.
var ErrBadMagic = errors.New("protocol: bad magic")

// HandshakeStatus is the server's verdict on a Hello.
type HandshakeStatus uint8

const (
	HandshakeOK              HandshakeStatus = 0x00
	HandshakeVersionMismatch HandshakeStatus = 0x01
	HandshakeServerBusy      HandshakeStatus = 0x02
	HandshakeInvalidFormat   HandshakeStatus = 0x03
	HandshakeInternalError   HandshakeStatus = 0x04
)

// String returns the string representation of the handshake status.
func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeOK:
		return "OK"
	case HandshakeVersionMismatch:
		return "VersionMismatch"
	case HandshakeServerBusy:
		return "ServerBusy"
	case HandshakeInvalidFormat:
		return "InvalidFormat"
	case HandshakeInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Version is a protocol version as major.minor. Peers with different majors
// cannot talk.
type Version struct {
	Major uint8
	Minor uint8
}

// CurrentVersion is the version spoken by this package.
var CurrentVersion = Version{Major: 1, Minor: 0}

// String returns "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Hello opens the reliable stream.
type Hello struct {
	Version Version
	Name    string // Free-form client label for status output
}

// Welcome answers a Hello.
type Welcome struct {
	Status       HandshakeStatus
	PeerID       string
	ServerTime   uint64 // Unix milliseconds
	MaxDatagram  uint16 // Largest datagram the server will send
	ScreenWidth  uint16
	ScreenHeight uint16
}

// EncodeHello encodes a Hello, magic included.
func EncodeHello(h *Hello) []byte {
	e := NewEncoder()
	e.WriteBytes([]byte(Magic))
	e.WriteByte(h.Version.Major)
	e.WriteByte(h.Version.Minor)
	e.WriteString(h.Name)
	return e.Bytes()
}

// DecodeHello decodes a Hello and checks its magic.
func DecodeHello(data []byte) (*Hello, error) {
	d := NewDecoder(data)
	magic, err := d.ReadBytes(len(Magic))
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}
	h := &Hello{}
	if h.Version.Major, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if h.Version.Minor, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if h.Name, err = d.ReadString(); err != nil {
		return nil, err
	}
	return h, nil
}

// EncodeWelcome encodes a Welcome.
func EncodeWelcome(w *Welcome) []byte {
	e := NewEncoder()
	e.WriteByte(byte(w.Status))
	e.WriteString(w.PeerID)
	e.WriteUint64(w.ServerTime)
	e.WriteUint16(w.MaxDatagram)
	e.WriteUint16(w.ScreenWidth)
	e.WriteUint16(w.ScreenHeight)
	return e.Bytes()
}

// DecodeWelcome decodes a Welcome.
func DecodeWelcome(data []byte) (*Welcome, error) {
	d := NewDecoder(data)
	w := &Welcome{}

	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	w.Status = HandshakeStatus(status)
	if w.PeerID, err = d.ReadString(); err != nil {
		return nil, err
	}
	if w.ServerTime, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if w.MaxDatagram, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if w.ScreenWidth, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if w.ScreenHeight, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	return w, nil
}
