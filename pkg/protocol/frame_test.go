package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestMessageWriteRead(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		payload []byte
	}{
		{"empty_payload", MsgRefresh, nil},
		{"ping", MsgPing, EncodePingPong(&PingPong{Timestamp: 99})},
		{"sync", MsgSync, EncodeFramePacket(samplePacket(3))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var w countingWriter
			if err := WriteMessage(&w, tc.typ, tc.payload); err != nil {
				t.Fatalf("WriteMessage() error: %v", err)
			}
			if w.writes != 1 {
				t.Errorf("WriteMessage() issued %d writes, want 1", w.writes)
			}
			if w.Len() != MessageHeaderSize+len(tc.payload) {
				t.Errorf("wrote %d bytes, want %d", w.Len(), MessageHeaderSize+len(tc.payload))
			}

			msg, err := ReadMessage(&w, 0)
			if err != nil {
				t.Fatalf("ReadMessage() error: %v", err)
			}
			if msg.Type != tc.typ {
				t.Errorf("Type = %v, want %v", msg.Type, tc.typ)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Errorf("Payload mismatch")
			}
		})
	}
}

func TestReadMessage_Sequential(t *testing.T) {
	var buf bytes.Buffer
	for _, typ := range []MessageType{MsgHello, MsgWelcome, MsgClose} {
		if err := WriteMessage(&buf, typ, []byte(typ.String())); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []MessageType{MsgHello, MsgWelcome, MsgClose} {
		msg, err := ReadMessage(&buf, 0)
		if err != nil {
			t.Fatalf("ReadMessage() error: %v", err)
		}
		if msg.Type != want || string(msg.Payload) != want.String() {
			t.Fatalf("got %v %q, want %v", msg.Type, msg.Payload, want)
		}
	}
	if _, err := ReadMessage(&buf, 0); err != io.EOF {
		t.Fatalf("ReadMessage() at end = %v, want io.EOF", err)
	}
}

func TestReadMessage_Errors(t *testing.T) {
	t.Run("too_large", func(t *testing.T) {
		var buf bytes.Buffer
		_ = WriteMessage(&buf, MsgSync, make([]byte, 100))
		if _, err := ReadMessage(&buf, 99); !errors.Is(err, ErrMessageTooLarge) {
			t.Fatalf("err = %v, want ErrMessageTooLarge", err)
		}
	})
	t.Run("invalid_type", func(t *testing.T) {
		data := []byte{0x7F, 0, 0, 0, 0}
		if _, err := ReadMessage(bytes.NewReader(data), 0); !errors.Is(err, ErrInvalidMessageType) {
			t.Fatalf("err = %v, want ErrInvalidMessageType", err)
		}
	})
	t.Run("truncated_payload", func(t *testing.T) {
		var buf bytes.Buffer
		_ = WriteMessage(&buf, MsgSync, []byte{1, 2, 3, 4})
		data := buf.Bytes()[:buf.Len()-2]
		if _, err := ReadMessage(bytes.NewReader(data), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
		}
	})
}

func TestMessageTypeString(t *testing.T) {
	if MsgRefresh.String() != "Refresh" {
		t.Errorf("MsgRefresh.String() = %q", MsgRefresh.String())
	}
	if MessageType(0xEE).String() != "Unknown" {
		t.Errorf("unknown type String() = %q", MessageType(0xEE).String())
	}
}
