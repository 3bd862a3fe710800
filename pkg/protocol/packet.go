package protocol

import (
	"fmt"
	"strings"
)

// Packet layout sizes in bytes.
const (
	// PacketHeaderSize covers frame_id through region_count.
	PacketHeaderSize = 4 + 2 + 2 + 1 + 1 + 8 + 4

	// RegionHeaderSize covers x through payload_len.
	RegionHeaderSize = 2 + 2 + 2 + 2 + 1 + 4 + 4
)

// ChromaMode selects which endpoint, if any, applies brightness-based alpha
// keying to the image.
type ChromaMode uint8

const (
	ChromaNone       ChromaMode = 0x00 // No keying
	ChromaServerSide ChromaMode = 0x01 // Sender keys pixels before encoding
	ChromaClientSide ChromaMode = 0x02 // Receiver keys pixels for display
)

// String returns the string representation of the chroma mode.
func (m ChromaMode) String() string {
	switch m {
	case ChromaNone:
		return "none"
	case ChromaServerSide:
		return "server"
	case ChromaClientSide:
		return "client"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known mode.
func (m ChromaMode) Valid() bool {
	return m <= ChromaClientSide
}

// ParseChromaMode parses "none", "server" or "client" (case-insensitive).
func ParseChromaMode(s string) (ChromaMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return ChromaNone, nil
	case "server", "serverside", "server-side":
		return ChromaServerSide, nil
	case "client", "clientside", "client-side":
		return ChromaClientSide, nil
	default:
		return ChromaNone, fmt.Errorf("protocol: unknown chroma mode %q", s)
	}
}

// DirtyRegion is one rectangle of BGRA pixels inside a FramePacket.
// Payload decodes to exactly UncompressedSize bytes, which for a well-formed
// region equals Width*Height*4.
type DirtyRegion struct {
	X, Y             uint16
	Width, Height    uint16
	Payload          []byte
	UncompressedSize uint32
	Compressed       bool
}

// FramePacket is the wire unit: one frame header plus its dirty regions.
// A packet without regions is a no-op.
type FramePacket struct {
	FrameID            uint32
	ScreenWidth        uint16
	ScreenHeight       uint16
	ChromaMode         ChromaMode
	ChromaThreshold    uint8
	CaptureTimestampUs int64
	Regions            []DirtyRegion
}

// EncodedSize returns the exact number of bytes EncodeFramePacket produces.
func (p *FramePacket) EncodedSize() int {
	n := PacketHeaderSize
	for i := range p.Regions {
		n += RegionHeaderSize + len(p.Regions[i].Payload)
	}
	return n
}

// IsFullScreen reports whether the packet carries regions that together span
// the whole screen, as sync frames and major-change frames do.
func (p *FramePacket) IsFullScreen() bool {
	if len(p.Regions) == 0 {
		return false
	}
	area := 0
	for _, r := range p.Regions {
		area += int(r.Width) * int(r.Height)
	}
	return area >= int(p.ScreenWidth)*int(p.ScreenHeight)
}

// PayloadBytes returns the summed payload length of all regions.
func (p *FramePacket) PayloadBytes() int {
	n := 0
	for i := range p.Regions {
		n += len(p.Regions[i].Payload)
	}
	return n
}

// EncodeFramePacket serializes p into a single buffer sized up front.
func EncodeFramePacket(p *FramePacket) []byte {
	e := NewEncoderWithCap(p.EncodedSize())
	EncodeFramePacketTo(e, p)
	return e.Bytes()
}

// EncodeFramePacketTo serializes p using the provided encoder.
func EncodeFramePacketTo(e *Encoder, p *FramePacket) {
	e.WriteUint32(p.FrameID)
	e.WriteUint16(p.ScreenWidth)
	e.WriteUint16(p.ScreenHeight)
	e.WriteByte(byte(p.ChromaMode))
	e.WriteByte(p.ChromaThreshold)
	e.WriteInt64(p.CaptureTimestampUs)
	e.WriteUint32(uint32(len(p.Regions)))
	for i := range p.Regions {
		r := &p.Regions[i]
		e.WriteUint16(r.X)
		e.WriteUint16(r.Y)
		e.WriteUint16(r.Width)
		e.WriteUint16(r.Height)
		e.WriteBool(r.Compressed)
		e.WriteUint32(r.UncompressedSize)
		e.WriteUint32(uint32(len(r.Payload)))
		e.WriteBytes(r.Payload)
	}
}

// DecodeFramePacket parses a FramePacket. Region payloads alias data.
//
// It fails with *MalformedPacketError when the declared lengths do not add up
// to len(data), when a region has a zero dimension or leaves the screen, or
// when the header is inconsistent or declares more than MaxScreenPixels.
func DecodeFramePacket(data []byte) (*FramePacket, error) {
	d := NewDecoder(data)
	p := &FramePacket{}

	if d.Remaining() < PacketHeaderSize {
		return nil, malformed(d, "short header", nil)
	}
	p.FrameID, _ = d.ReadUint32()
	p.ScreenWidth, _ = d.ReadUint16()
	p.ScreenHeight, _ = d.ReadUint16()
	mode, _ := d.ReadByte()
	p.ChromaMode = ChromaMode(mode)
	p.ChromaThreshold, _ = d.ReadByte()
	p.CaptureTimestampUs, _ = d.ReadInt64()
	count, _ := d.ReadUint32()

	if !p.ChromaMode.Valid() {
		return nil, malformed(d, fmt.Sprintf("unknown chroma mode %d", mode), nil)
	}
	if p.ScreenWidth == 0 || p.ScreenHeight == 0 {
		return nil, malformed(d, "zero screen dimension", nil)
	}
	if int(p.ScreenWidth)*int(p.ScreenHeight) > MaxScreenPixels {
		return nil, malformed(d, fmt.Sprintf("screen %dx%d exceeds limit", p.ScreenWidth, p.ScreenHeight), nil)
	}
	if count > MaxRegionCount {
		return nil, malformed(d, fmt.Sprintf("region count %d exceeds limit", count), nil)
	}
	if uint64(count)*RegionHeaderSize > uint64(d.Remaining()) {
		return nil, malformed(d, fmt.Sprintf("region count %d exceeds buffer", count), nil)
	}

	if count > 0 {
		p.Regions = make([]DirtyRegion, count)
	}
	for i := range p.Regions {
		r := &p.Regions[i]
		if d.Remaining() < RegionHeaderSize {
			return nil, malformed(d, fmt.Sprintf("region %d: short header", i), nil)
		}
		r.X, _ = d.ReadUint16()
		r.Y, _ = d.ReadUint16()
		r.Width, _ = d.ReadUint16()
		r.Height, _ = d.ReadUint16()
		compressed, err := d.ReadBool()
		if err != nil {
			return nil, malformed(d, fmt.Sprintf("region %d: compression flag", i), err)
		}
		r.Compressed = compressed
		r.UncompressedSize, _ = d.ReadUint32()
		payloadLen, _ := d.ReadUint32()

		if r.Width == 0 || r.Height == 0 {
			return nil, malformed(d, fmt.Sprintf("region %d: zero dimension", i), nil)
		}
		if int(r.X)+int(r.Width) > int(p.ScreenWidth) || int(r.Y)+int(r.Height) > int(p.ScreenHeight) {
			return nil, malformed(d, fmt.Sprintf("region %d: %dx%d+%d+%d outside %dx%d screen",
				i, r.Width, r.Height, r.X, r.Y, p.ScreenWidth, p.ScreenHeight), nil)
		}
		if uint64(payloadLen) > uint64(d.Remaining()) {
			return nil, malformed(d, fmt.Sprintf("region %d: payload length %d exceeds buffer", i, payloadLen), nil)
		}
		r.Payload, _ = d.ReadBytes(int(payloadLen))
	}

	if d.Remaining() != 0 {
		return nil, malformed(d, fmt.Sprintf("%d trailing bytes", d.Remaining()), nil)
	}
	return p, nil
}

func malformed(d *Decoder, reason string, err error) *MalformedPacketError {
	return &MalformedPacketError{Reason: reason, Offset: d.Position(), Err: err}
}
