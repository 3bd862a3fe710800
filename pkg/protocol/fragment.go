package protocol

import (
	"errors"
	"io"
)

// FragmentHeaderSize is the size of the per-datagram fragment header.
const FragmentHeaderSize = 4 + 2 + 2

// MaxFragments is the largest fragment count a header can express.
const MaxFragments = 1<<16 - 1

// ErrInvalidFragment reports a fragment header that cannot be valid.
var ErrInvalidFragment = errors.New("protocol: invalid fragment")

// Fragment is one datagram-sized piece of an encoded FramePacket.
type Fragment struct {
	FrameID uint32
	Index   uint16
	Count   uint16
	Data    []byte
}

// AppendFragment appends the encoded fragment to dst and returns the result.
func AppendFragment(dst []byte, f Fragment) []byte {
	e := Encoder{buf: dst}
	e.WriteUint32(f.FrameID)
	e.WriteUint16(f.Index)
	e.WriteUint16(f.Count)
	e.WriteBytes(f.Data)
	return e.Bytes()
}

// DecodeFragment parses a datagram. Data aliases the datagram.
func DecodeFragment(datagram []byte) (Fragment, error) {
	if len(datagram) < FragmentHeaderSize {
		return Fragment{}, io.ErrUnexpectedEOF
	}
	d := NewDecoder(datagram)
	var f Fragment
	f.FrameID, _ = d.ReadUint32()
	f.Index, _ = d.ReadUint16()
	f.Count, _ = d.ReadUint16()
	if f.Count == 0 || f.Index >= f.Count {
		return Fragment{}, ErrInvalidFragment
	}
	f.Data, _ = d.ReadBytes(d.Remaining())
	return f, nil
}
