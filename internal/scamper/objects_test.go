package scamper

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

func TestDecodeObjectsSkipsNonPing(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeOtherObject([]byte("ignored scamper-file object")))
	want := packet.Reply{
		StartSec: 42, StartUsec: 7, Method: packet.MethodICMPEcho,
		UserID: 9, PingSent: 1,
		Src: netip.MustParseAddr("10.255.0.1"), Dst: netip.MustParseAddr("10.0.0.9"),
	}
	buf.Write(EncodePingObject(want))

	collector := newRecordingCollector()
	if err := decodeObjects(&buf, collector, nil); err != nil {
		t.Fatalf("decodeObjects: %v", err)
	}

	select {
	case got := <-collector.ch:
		if got.UserID != want.UserID || got.StartSec != want.StartSec {
			t.Fatalf("decoded mismatch: got %+v, want %+v", got, want)
		}
	default:
		t.Fatal("expected the ping object to be delivered despite the preceding non-ping object")
	}
}
