package protocol

// Size limits enforced while decoding untrusted input.
const (
	// MaxRegionCount bounds region_count in a FramePacket. The normalizer never
	// emits more than a few thousand tiles even for 8K screens.
	MaxRegionCount = 65535

	// MaxScreenPixels bounds ScreenWidth*ScreenHeight. Receivers allocate a
	// framebuffer of this many pixels from the packet header alone.
	MaxScreenPixels = 8192 * 8192

	// MaxStringLen bounds strings in handshake and control messages.
	MaxStringLen = 1024

	// DefaultMaxMessageSize bounds one stream message. A sync frame for an
	// uncompressible 4K screen is about 33 MB.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// HardMaxMessageSize is the ceiling regardless of configuration.
	HardMaxMessageSize = 256 * 1024 * 1024
)
