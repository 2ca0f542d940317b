package wire

import (
	"net/netip"
	"testing"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	r := packet.Request{
		Method:    packet.MethodTCPSynAck,
		Saddr:     netip.MustParseAddr("10.255.0.5"),
		Daddr:     netip.MustParseAddr("10.0.0.1"),
		Sport:     80,
		Dport:     40000,
		Anum:      101,
		NumProbes: 1,
		UserID:    packet.MakeUserID(3, 42),
	}
	line := EncodeCommand(r)
	got, err := DecodeCommand(line)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got.Method != r.Method || got.Sport != r.Sport || got.Dport != r.Dport ||
		got.Anum != r.Anum || got.UserID != r.UserID || got.Daddr != r.Daddr {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestEncodeDecodeCommandRoundTrip_RST(t *testing.T) {
	r := packet.Request{
		Method:    packet.MethodTCPRst,
		Daddr:     netip.MustParseAddr("10.0.0.1"),
		Sport:     80,
		Dport:     40000,
		Snum:      200,
		NumProbes: 1,
		UserID:    packet.MakeUserID(1, 7),
	}
	line := EncodeCommand(r)
	got, err := DecodeCommand(line)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got.Snum != r.Snum || got.Method != r.Method {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestEncodeCommandUDPPayloadHex(t *testing.T) {
	r := packet.Request{
		Method:    packet.MethodUDP,
		Daddr:     netip.MustParseAddr("1.2.3.4"),
		Sport:     53,
		Dport:     53000,
		Payload:   []byte{0xAA, 0xBB, 0xCC},
		NumProbes: 1,
		UserID:    5,
	}
	line := EncodeCommand(r)
	got, err := DecodeCommand(line)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if len(got.Payload) != 3 || got.Payload[0] != 0xAA || got.Payload[1] != 0xBB || got.Payload[2] != 0xCC {
		t.Fatalf("payload mismatch: %x", got.Payload)
	}
}

func TestDecodeCommandEmpty(t *testing.T) {
	if _, err := DecodeCommand("\n"); err == nil {
		t.Fatal("expected error for empty command line")
	}
}
