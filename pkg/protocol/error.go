package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedPacket is matched by every *MalformedPacketError via errors.Is.
var ErrMalformedPacket = errors.New("protocol: malformed packet")

// MalformedPacketError reports a FramePacket that cannot be decoded. The
// offending packet is dropped; it is never fatal to the stream.
type MalformedPacketError struct {
	Reason string // What was wrong
	Offset int    // Read offset when the problem was detected
	Err    error  // Underlying decode error, if any
}

// Error returns the error message with the offset.
func (e *MalformedPacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed packet at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: malformed packet at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap returns the underlying error.
func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedPacket) true.
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}
