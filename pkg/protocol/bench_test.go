package protocol

import "testing"

func benchPacket() *FramePacket {
	p := &FramePacket{FrameID: 1, ScreenWidth: 1920, ScreenHeight: 1080}
	for i := 0; i < 16; i++ {
		p.Regions = append(p.Regions, DirtyRegion{
			X: uint16(i * 64), Y: 0, Width: 64, Height: 64,
			Payload:          make([]byte, 64*64*4),
			UncompressedSize: 64 * 64 * 4,
		})
	}
	return p
}

func BenchmarkEncodeFramePacket(b *testing.B) {
	p := benchPacket()
	b.SetBytes(int64(p.EncodedSize()))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = EncodeFramePacket(p)
	}
}

func BenchmarkDecodeFramePacket(b *testing.B) {
	data := EncodeFramePacket(benchPacket())
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeFramePacket(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAppendFragment(b *testing.B) {
	buf := make([]byte, 0, 1100)
	data := make([]byte, 1100-FragmentHeaderSize)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf = AppendFragment(buf[:0], Fragment{FrameID: uint32(i), Index: 0, Count: 1, Data: data})
	}
}
