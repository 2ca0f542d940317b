package wire

import (
	"bytes"
	"testing"
)

func TestUUEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("Cat"),
		[]byte(""),
		[]byte("a"),
		[]byte("The quick brown fox jumps over the lazy dog, many times over."),
		bytes.Repeat([]byte{0xFF, 0x00, 0x7E}, 40),
	}
	for _, data := range cases {
		enc := UUEncode(data)
		dec, consumed, err := UUDecode(enc)
		if err != nil {
			t.Fatalf("UUDecode: %v", err)
		}
		if consumed != len(enc) {
			t.Fatalf("consumed %d, want %d", consumed, len(enc))
		}
		if !bytes.Equal(dec, data) {
			t.Fatalf("round trip mismatch: got %v want %v", dec, data)
		}
	}
}

func TestUUDecodePartialLineNotConsumed(t *testing.T) {
	enc := UUEncode([]byte("hello world"))
	partial := enc[:len(enc)-2] // strip trailing bytes so the last line is incomplete
	dec, consumed, err := UUDecode(partial)
	if err != nil {
		t.Fatalf("UUDecode: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0 (single partial line)", consumed)
	}
	if len(dec) != 0 {
		t.Fatalf("dec = %v, want empty", dec)
	}
}
