package codec

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by every *CodecError.
var (
	// ErrSizeMismatch is returned when a payload does not decode to the
	// declared number of bytes.
	ErrSizeMismatch = errors.New("codec: size mismatch")

	// ErrCorruptPayload is returned when LZ4 rejects a compressed payload.
	ErrCorruptPayload = errors.New("codec: corrupt payload")
)

// CodecError describes a region payload that could not be decoded.
type CodecError struct {
	Index    int // Region position in its packet, -1 when unknown
	Expected int // Declared uncompressed size
	Actual   int // Bytes actually produced, when known
	Err      error
}

// Error returns the error message with region context.
func (e *CodecError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: expected %d bytes, got %d", e.Err, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%v: region %d: expected %d bytes, got %d", e.Err, e.Index, e.Expected, e.Actual)
}

// Unwrap returns the underlying sentinel.
func (e *CodecError) Unwrap() error {
	return e.Err
}
