package protocol

import (
	"bytes"
	"testing"
)

func FuzzDecodeFramePacket(f *testing.F) {
	f.Add(EncodeFramePacket(samplePacket(0)))
	f.Add(EncodeFramePacket(samplePacket(1)))
	f.Add(EncodeFramePacket(samplePacket(4)))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := DecodeFramePacket(data)
		if err != nil {
			return
		}
		if !bytes.Equal(EncodeFramePacket(p), data) {
			t.Fatal("decoded packet does not re-encode to the same bytes")
		}
	})
}

func FuzzDecodeFragment(f *testing.F) {
	f.Add(AppendFragment(nil, Fragment{FrameID: 7, Index: 0, Count: 2, Data: []byte("ab")}))
	f.Add([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		frag, err := DecodeFragment(data)
		if err != nil {
			return
		}
		if frag.Index >= frag.Count {
			t.Fatalf("accepted index %d with count %d", frag.Index, frag.Count)
		}
	})
}

func FuzzReadMessage(f *testing.F) {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, MsgHello, EncodeHello(&Hello{Version: CurrentVersion, Name: "x"}))
	f.Add(buf.Bytes())
	f.Add([]byte{0x03, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadMessage(bytes.NewReader(data), 1<<20)
	})
}

func FuzzDecodeHello(f *testing.F) {
	f.Add(EncodeHello(&Hello{Version: CurrentVersion, Name: "studio"}))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeHello(data)
	})
}
