package protocol

import (
	"errors"
	"io"
	"testing"
)

func TestEncoderDecoder(t *testing.T) {
	e := NewEncoder()
	e.WriteByte(0x42)
	e.WriteBytes([]byte{0x01, 0x02, 0x03})
	e.WriteBool(true)
	e.WriteBool(false)
	e.WriteUint16(0x1234)
	e.WriteUint32(0x12345678)
	e.WriteUint64(0x123456789ABCDEF0)
	e.WriteInt64(-123456789012345)
	e.WriteUvarint(300)
	e.WriteString("hello")

	d := NewDecoder(e.Bytes())

	if b, err := d.ReadByte(); err != nil || b != 0x42 {
		t.Errorf("ReadByte() = %x, %v", b, err)
	}
	if bs, err := d.ReadBytes(3); err != nil || string(bs) != "\x01\x02\x03" {
		t.Errorf("ReadBytes(3) = %v, %v", bs, err)
	}
	if v, err := d.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool() = %v, %v; want true", v, err)
	}
	if v, err := d.ReadBool(); err != nil || v {
		t.Errorf("ReadBool() = %v, %v; want false", v, err)
	}
	if v, err := d.ReadUint16(); err != nil || v != 0x1234 {
		t.Errorf("ReadUint16() = %x, %v", v, err)
	}
	if v, err := d.ReadUint32(); err != nil || v != 0x12345678 {
		t.Errorf("ReadUint32() = %x, %v", v, err)
	}
	if v, err := d.ReadUint64(); err != nil || v != 0x123456789ABCDEF0 {
		t.Errorf("ReadUint64() = %x, %v", v, err)
	}
	if v, err := d.ReadInt64(); err != nil || v != -123456789012345 {
		t.Errorf("ReadInt64() = %d, %v", v, err)
	}
	if v, err := d.ReadUvarint(); err != nil || v != 300 {
		t.Errorf("ReadUvarint() = %d, %v", v, err)
	}
	if s, err := d.ReadString(); err != nil || s != "hello" {
		t.Errorf("ReadString() = %q, %v", s, err)
	}
	if d.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", d.Remaining())
	}
}

func TestEncoder_BigEndianLayout(t *testing.T) {
	e := NewEncoder()
	e.WriteUint32(0x01020304)
	e.WriteUint16(0x0506)
	want := []byte{1, 2, 3, 4, 5, 6}
	if string(e.Bytes()) != string(want) {
		t.Fatalf("Bytes() = %v, want %v", e.Bytes(), want)
	}
	e.Reset()
	if e.Len() != 0 {
		t.Fatalf("Len() after Reset = %d", e.Len())
	}
}

func TestEncoderWithCap_DoesNotGrow(t *testing.T) {
	e := NewEncoderWithCap(14)
	before := cap(e.Bytes())
	e.WriteUint64(1)
	e.WriteUint32(2)
	e.WriteUint16(3)
	if cap(e.Bytes()) != before {
		t.Fatalf("buffer grew from %d to %d", before, cap(e.Bytes()))
	}
}

func TestDecoder_ShortReads(t *testing.T) {
	tests := []struct {
		name string
		read func(d *Decoder) error
		data []byte
	}{
		{"byte", func(d *Decoder) error { _, err := d.ReadByte(); return err }, nil},
		{"uint16", func(d *Decoder) error { _, err := d.ReadUint16(); return err }, []byte{1}},
		{"uint32", func(d *Decoder) error { _, err := d.ReadUint32(); return err }, []byte{1, 2, 3}},
		{"uint64", func(d *Decoder) error { _, err := d.ReadUint64(); return err }, []byte{1, 2, 3, 4, 5, 6, 7}},
		{"bytes", func(d *Decoder) error { _, err := d.ReadBytes(4); return err }, []byte{1, 2}},
		{"uvarint", func(d *Decoder) error { _, err := d.ReadUvarint(); return err }, []byte{0x80}},
		{"string", func(d *Decoder) error { _, err := d.ReadString(); return err }, []byte{5, 'a'}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.read(NewDecoder(tc.data)); !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestDecoder_StrictBool(t *testing.T) {
	if _, err := NewDecoder([]byte{2}).ReadBool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("ReadBool(2) err = %v, want ErrInvalidBool", err)
	}
}

func TestDecoder_StringLimit(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(MaxStringLen + 1)
	if _, err := NewDecoder(e.Bytes()).ReadString(); !errors.Is(err, ErrAllocationTooLarge) {
		t.Fatalf("err = %v, want ErrAllocationTooLarge", err)
	}
}

func TestDecoder_VarintOverflow(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	if _, err := NewDecoder(data).ReadUvarint(); !errors.Is(err, ErrVarintOverflow) {
		t.Fatalf("err = %v, want ErrVarintOverflow", err)
	}
}
