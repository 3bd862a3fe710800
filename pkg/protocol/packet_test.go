package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func samplePacket(regions int) *FramePacket {
	p := &FramePacket{
		FrameID:            42,
		ScreenWidth:        1920,
		ScreenHeight:       1080,
		ChromaMode:         ChromaClientSide,
		ChromaThreshold:    32,
		CaptureTimestampUs: 1_700_000_000_123_456,
	}
	for i := 0; i < regions; i++ {
		w, h := uint16(8+i%5), uint16(4+i%3)
		payload := make([]byte, int(w)*int(h)*4)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		p.Regions = append(p.Regions, DirtyRegion{
			X:                uint16((i * 13) % 1800),
			Y:                uint16((i * 7) % 1000),
			Width:            w,
			Height:           h,
			Payload:          payload,
			UncompressedSize: uint32(len(payload)),
			Compressed:       i%2 == 1,
		})
	}
	return p
}

func TestFramePacket_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 150} {
		p := samplePacket(n)
		data := EncodeFramePacket(p)
		if len(data) != p.EncodedSize() {
			t.Fatalf("%d regions: len = %d, EncodedSize = %d", n, len(data), p.EncodedSize())
		}
		got, err := DecodeFramePacket(data)
		if err != nil {
			t.Fatalf("%d regions: DecodeFramePacket() error: %v", n, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Fatalf("%d regions: round trip mismatch\ngot  %+v\nwant %+v", n, got, p)
		}
	}
}

func TestFramePacket_EncodeIsSinglePreallocatedBuffer(t *testing.T) {
	p := samplePacket(20)
	data := EncodeFramePacket(p)
	if cap(data) != len(data) {
		t.Fatalf("cap = %d, len = %d; encoder should be sized exactly", cap(data), len(data))
	}
}

func TestDecodeFramePacket_Malformed(t *testing.T) {
	valid := EncodeFramePacket(samplePacket(2))

	zeroDim := samplePacket(1)
	zeroDim.Regions[0].Width = 0
	zeroDimData := EncodeFramePacket(zeroDim)

	outside := samplePacket(1)
	outside.Regions[0].X = 1919
	outsideData := EncodeFramePacket(outside)

	badChroma := append([]byte(nil), valid...)
	badChroma[8] = 9

	huge := samplePacket(0)
	huge.ScreenWidth, huge.ScreenHeight = 65535, 65535
	hugeData := EncodeFramePacket(huge)

	badBool := append([]byte(nil), valid...)
	badBool[PacketHeaderSize+8] = 7

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short_header", valid[:PacketHeaderSize-1]},
		{"truncated_payload", valid[:len(valid)-1]},
		{"trailing_bytes", append(append([]byte(nil), valid...), 0x00)},
		{"zero_dimension", zeroDimData},
		{"outside_screen", outsideData},
		{"unknown_chroma", badChroma},
		{"screen_exceeds_limit", hugeData},
		{"bad_compression_flag", badBool},
		{"count_exceeds_buffer", func() []byte {
			b := append([]byte(nil), valid[:PacketHeaderSize]...)
			b[PacketHeaderSize-1] = 3
			return b
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFramePacket(tc.data)
			var mpe *MalformedPacketError
			if !errors.As(err, &mpe) {
				t.Fatalf("err = %v, want *MalformedPacketError", err)
			}
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("errors.Is(err, ErrMalformedPacket) = false")
			}
		})
	}
}

func TestFramePacket_IsFullScreen(t *testing.T) {
	p := &FramePacket{ScreenWidth: 1000, ScreenHeight: 600}
	if p.IsFullScreen() {
		t.Fatal("empty packet reported full screen")
	}
	p.Regions = []DirtyRegion{
		{X: 0, Y: 0, Width: 512, Height: 512},
		{X: 512, Y: 0, Width: 488, Height: 512},
		{X: 0, Y: 512, Width: 512, Height: 88},
		{X: 512, Y: 512, Width: 488, Height: 88},
	}
	if !p.IsFullScreen() {
		t.Fatal("tiled full screen not detected")
	}
	p.Regions = p.Regions[:3]
	if p.IsFullScreen() {
		t.Fatal("partial cover reported full screen")
	}
}

func TestParseChromaMode(t *testing.T) {
	tests := map[string]ChromaMode{
		"":            ChromaNone,
		"none":        ChromaNone,
		"Server":      ChromaServerSide,
		"client-side": ChromaClientSide,
	}
	for in, want := range tests {
		got, err := ParseChromaMode(in)
		if err != nil || got != want {
			t.Errorf("ParseChromaMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseChromaMode("purple"); err == nil {
		t.Error("ParseChromaMode(purple) should fail")
	}
}
