package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCodecPrimitives(t *testing.T) {
	e := NewEncoder()
	e.WriteByte(0xAB)
	e.WriteUvarint(0)
	e.WriteUvarint(127)
	e.WriteUvarint(128)
	e.WriteUvarint(1 << 40)
	e.WriteString("hello")
	e.WriteString("")
	e.WriteLenBytes([]byte{1, 2, 3})
	e.WriteBool(true)
	e.WriteBool(false)
	e.WriteUint64(0xDEADBEEFCAFE)

	d := NewDecoder(e.Bytes())

	if b, err := d.ReadByte(); err != nil || b != 0xAB {
		t.Fatalf("ReadByte = %x, %v", b, err)
	}
	for _, want := range []uint64{0, 127, 128, 1 << 40} {
		if v, err := d.ReadUvarint(); err != nil || v != want {
			t.Fatalf("ReadUvarint = %d, %v; want %d", v, err, want)
		}
	}
	if s, err := d.ReadString(); err != nil || s != "hello" {
		t.Fatalf("ReadString = %q, %v", s, err)
	}
	if s, err := d.ReadString(); err != nil || s != "" {
		t.Fatalf("ReadString empty = %q, %v", s, err)
	}
	if b, err := d.ReadLenBytes(); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadLenBytes = %v, %v", b, err)
	}
	if v, err := d.ReadBool(); err != nil || v != true {
		t.Fatalf("ReadBool = %v, %v", v, err)
	}
	if v, err := d.ReadBool(); err != nil || v != false {
		t.Fatalf("ReadBool = %v, %v", v, err)
	}
	if v, err := d.ReadUint64(); err != nil || v != 0xDEADBEEFCAFE {
		t.Fatalf("ReadUint64 = %x, %v", v, err)
	}
	if !d.EOF() {
		t.Errorf("EOF = false with %d bytes remaining", d.Remaining())
	}
}

func TestDecoderVarintOverflow(t *testing.T) {
	data := bytes.Repeat([]byte{0x80}, 10)
	d := NewDecoder(data)
	if _, err := d.ReadUvarint(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("ReadUvarint error = %v, want ErrVarintOverflow", err)
	}
}

func TestDecoderAllocationLimit(t *testing.T) {
	size := MaxAllocation + 1
	e := NewEncoderWithCap(size + 8)
	e.WriteLenBytes(make([]byte, size))

	d := NewDecoder(e.Bytes())
	if _, err := d.ReadLenBytes(); !errors.Is(err, ErrAllocationTooLarge) {
		t.Errorf("ReadLenBytes error = %v, want ErrAllocationTooLarge", err)
	}
}

func TestDecoderShortLengthPrefix(t *testing.T) {
	// Claims 100 bytes but carries 2.
	e := NewEncoder()
	e.WriteUvarint(100)
	e.WriteByte('a')
	e.WriteByte('b')

	d := NewDecoder(e.Bytes())
	if _, err := d.ReadString(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadString error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestEncoderReset(t *testing.T) {
	e := NewEncoder()
	e.WriteString("something")
	e.Reset()
	if e.Len() != 0 {
		t.Fatalf("Len after Reset = %d", e.Len())
	}
	e.WriteByte(0x01)
	if !bytes.Equal(e.Bytes(), []byte{0x01}) {
		t.Errorf("Bytes after Reset = %v", e.Bytes())
	}
}
