package dispatch

import (
	"net/netip"
	"testing"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

func TestIndexStableForSameSource(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.42")
	i1 := Index(a, 8)
	i2 := Index(a, 8)
	if i1 != i2 {
		t.Fatalf("Index not stable: %d vs %d", i1, i2)
	}
}

func TestIndexWithinRange(t *testing.T) {
	for _, s := range []string{"10.0.0.1", "192.168.1.255", "203.0.113.77"} {
		idx := Index(netip.MustParseAddr(s), 4)
		if idx < 0 || idx >= 4 {
			t.Fatalf("Index(%s) = %d out of range", s, idx)
		}
	}
}

type recordingInbox struct {
	received []packet.Packet
	accept   bool
}

func (r *recordingInbox) Send(p packet.Packet) bool {
	if !r.accept {
		return false
	}
	r.received = append(r.received, p)
	return true
}

func TestDispatchRoutesToRegisteredShard(t *testing.T) {
	d := New(4, nil)
	inbox := &recordingInbox{accept: true}
	addr := netip.MustParseAddr("10.0.0.5")
	idx := Index(addr, 4)
	d.Register(idx, inbox)

	p := packet.Packet{Saddr: addr}
	d.Dispatch(p)
	if len(inbox.received) != 1 {
		t.Fatalf("expected 1 received packet, got %d", len(inbox.received))
	}
}

func TestDispatchDropsWhenNoShard(t *testing.T) {
	d := New(4, nil)
	addr := netip.MustParseAddr("10.0.0.5")
	// never registered — Dispatch must not panic and must simply drop.
	d.Dispatch(packet.Packet{Saddr: addr})
}

func TestDispatchDropsAfterRemove(t *testing.T) {
	d := New(4, nil)
	inbox := &recordingInbox{accept: true}
	addr := netip.MustParseAddr("10.0.0.5")
	idx := Index(addr, 4)
	d.Register(idx, inbox)
	d.Remove(idx)

	d.Dispatch(packet.Packet{Saddr: addr})
	if len(inbox.received) != 0 {
		t.Fatalf("expected no packets after Remove, got %d", len(inbox.received))
	}
}

func TestDispatchFilterDropsUnlistedSource(t *testing.T) {
	d := New(4, nil)
	inbox := &recordingInbox{accept: true}
	allowed := netip.MustParseAddr("10.0.0.5")
	blocked := netip.MustParseAddr("10.0.0.6")
	d.Register(Index(allowed, 4), inbox)
	d.Register(Index(blocked, 4), inbox)
	d.SetFilter(map[netip.Addr]struct{}{allowed: {}})

	d.Dispatch(packet.Packet{Saddr: blocked})
	if len(inbox.received) != 0 {
		t.Fatalf("expected filtered source to be dropped, got %d received", len(inbox.received))
	}

	d.Dispatch(packet.Packet{Saddr: allowed})
	if len(inbox.received) != 1 {
		t.Fatalf("expected allowed source to be dispatched, got %d received", len(inbox.received))
	}
}

func TestDispatchFilterEmptyAdmitsEverything(t *testing.T) {
	d := New(4, nil)
	inbox := &recordingInbox{accept: true}
	addr := netip.MustParseAddr("10.0.0.5")
	d.Register(Index(addr, 4), inbox)
	d.SetFilter(nil) // explicit no-op, matches the zero-value default

	d.Dispatch(packet.Packet{Saddr: addr})
	if len(inbox.received) != 1 {
		t.Fatalf("expected dispatch with no filter set, got %d received", len(inbox.received))
	}
}

func TestTwoShardsPartitionBySource(t *testing.T) {
	// spec.md S4: alternating last-octet source addresses land on
	// distinct shards when shardCount divides the alternation evenly.
	a1 := netip.MustParseAddr("10.0.0.10")
	a2 := netip.MustParseAddr("10.0.0.11")
	if Index(a1, 2) == Index(a2, 2) {
		t.Fatal("expected alternating last-octet addresses to land on different shards for shardCount=2")
	}
}
