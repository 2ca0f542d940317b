package shard

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/inetrg/spoki-reactor/internal/classify"
	"github.com/inetrg/spoki-reactor/internal/packet"
)

type recordingProber struct {
	reqs []packet.Request
}

func (p *recordingProber) Submit(req packet.Request, isScannerLike bool) {
	p.reqs = append(p.reqs, req)
}

type recordingSink struct {
	lines [][]byte
}

func (s *recordingSink) Append(line []byte, hourBucket int64) error {
	s.lines = append(s.lines, line)
	return nil
}

func baseConfig() Config {
	return Config{
		TCPEnabled:  true,
		UDPEnabled:  true,
		ICMPEnabled: true,
		KSyn:        2,
		KRst:        1,
		KUDP:        1,
		KICMP:       1,
		DeltaRst:    20 * time.Millisecond,
	}
}

func newTestShard(cfg Config) (*Shard, *recordingProber, *recordingProber, *recordingProber) {
	tcp := &recordingProber{}
	udp := &recordingProber{}
	icmp := &recordingProber{}
	s := New(3, cfg, classify.NewNoop(), tcp, udp, icmp, nil)
	return s, tcp, udp, icmp
}

// S1: a bare SYN mints a tcp-synack request with anum = snum+1 and the
// ports/addresses reflected back toward the scanner.
func TestShardSynMintsSynAck(t *testing.T) {
	s, tcp, _, _ := newTestShard(baseConfig())
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoTCP,
		TCP: packet.TCPInfo{
			Sport: 40000, Dport: 80, Snum: 100,
			Flags: packet.TCPFlags{SYN: true},
		},
	}
	s.handlePacket(p)

	if len(tcp.reqs) != 1 {
		t.Fatalf("expected 1 forwarded request, got %d", len(tcp.reqs))
	}
	req := tcp.reqs[0]
	if req.Method != packet.MethodTCPSynAck {
		t.Fatalf("expected synack method, got %v", req.Method)
	}
	if req.Sport != 80 || req.Dport != 40000 {
		t.Fatalf("expected reflected ports 80/40000, got %d/%d", req.Sport, req.Dport)
	}
	if req.Anum != 101 {
		t.Fatalf("expected anum 101, got %d", req.Anum)
	}
	if req.Saddr != p.Daddr || req.Daddr != p.Saddr {
		t.Fatalf("expected spoofed saddr/daddr reflecting the darknet address")
	}
	if packet.ShardID(req.UserID) != 3 {
		t.Fatalf("expected minted user-id to carry shard id 3, got %d", packet.ShardID(req.UserID))
	}
}

// S2: a second ACK for the same endpoint while a RST is already scheduled
// must be dropped, not re-mint a user-id or forward a second request.
func TestShardDuplicateACKDeduped(t *testing.T) {
	s, tcp, _, _ := newTestShard(baseConfig())
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoTCP,
		TCP: packet.TCPInfo{
			Sport: 40000, Dport: 80, Anum: 500,
			Flags: packet.TCPFlags{ACK: true},
		},
	}
	s.handlePacket(p)
	s.handlePacket(p)

	e := packet.Endpoint{Addr: p.Saddr, Port: p.TCP.Sport}
	if _, pending := s.rstScheduled[e]; !pending {
		t.Fatal("expected endpoint to remain in rstScheduled until the timer fires")
	}

	// The RST reaches the prober only when its delayed release re-enters
	// the mailbox. Run is not running here, so handle every release that
	// arrives within the window by hand.
	window := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case m := <-s.inbox:
			if m.releaseRST != nil {
				s.handleReleaseRST(*m.releaseRST)
			}
		case <-window:
			break drain
		}
	}

	if len(tcp.reqs) != 1 {
		t.Fatalf("expected exactly 1 rst request forwarded despite 2 ACKs, got %d", len(tcp.reqs))
	}
}

// Invariant: once the delayed-RST timer fires, the endpoint is released
// and a further ACK for it mints a fresh request.
func TestShardRSTReleaseAllowsFutureACK(t *testing.T) {
	cfg := baseConfig()
	cfg.DeltaRst = 5 * time.Millisecond
	s, tcp, _, _ := newTestShard(cfg)
	go s.Run()
	defer s.Stop()

	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoTCP,
		TCP: packet.TCPInfo{
			Sport: 40000, Dport: 80, Anum: 500,
			Flags: packet.TCPFlags{ACK: true},
		},
	}
	if !s.Send(p) {
		t.Fatal("expected Send to accept")
	}
	time.Sleep(50 * time.Millisecond)

	e := packet.Endpoint{Addr: p.Saddr, Port: p.TCP.Sport}
	s.inbox <- message{packet: &p}
	time.Sleep(20 * time.Millisecond)

	if _, pending := s.rstScheduled[e]; pending {
		t.Fatal("expected endpoint to have been released by the timer before the second ACK")
	}
	if len(tcp.reqs) != 2 {
		t.Fatalf("expected 2 rst requests total (one per release cycle), got %d", len(tcp.reqs))
	}
}

func TestShardUDPReflectsPayload(t *testing.T) {
	cfg := baseConfig()
	cfg.UDPReflect = true
	s, _, udp, _ := newTestShard(cfg)
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoUDP,
		UDP: packet.UDPInfo{
			Sport: 12345, Dport: 53, Payload: []byte("abc"),
		},
	}
	s.handlePacket(p)

	if len(udp.reqs) != 1 {
		t.Fatalf("expected 1 forwarded udp request, got %d", len(udp.reqs))
	}
	if string(udp.reqs[0].Payload) != "abc" {
		t.Fatalf("expected reflected payload, got %q", udp.reqs[0].Payload)
	}
	if udp.reqs[0].Sport != 53 || udp.reqs[0].Dport != 12345 {
		t.Fatalf("expected reflected ports 53/12345, got %d/%d", udp.reqs[0].Sport, udp.reqs[0].Dport)
	}
}

func TestShardUDPServicePayloadOverridesDefault(t *testing.T) {
	cfg := baseConfig()
	cfg.UDPReflect = false
	cfg.UDPDefaultPayload = []byte("default")
	cfg.UDPServicePayload = map[uint16][]byte{53: []byte("dns-probe")}
	s, _, udp, _ := newTestShard(cfg)

	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoUDP,
		UDP:   packet.UDPInfo{Sport: 12345, Dport: 53},
	}
	s.handlePacket(p)
	if string(udp.reqs[0].Payload) != "dns-probe" {
		t.Fatalf("expected service-specific payload, got %q", udp.reqs[0].Payload)
	}

	p.UDP.Dport = 9999
	s.handlePacket(p)
	if string(udp.reqs[1].Payload) != "default" {
		t.Fatalf("expected default payload for unmatched port, got %q", udp.reqs[1].Payload)
	}
}

func TestShardICMPEchoReplyExempt(t *testing.T) {
	s, _, _, icmp := newTestShard(baseConfig())
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoICMP,
		ICMP:  packet.ICMPInfo{Type: ipv4.ICMPTypeEchoReply},
	}
	s.handlePacket(p)
	if len(icmp.reqs) != 0 {
		t.Fatalf("expected echo-reply to be log-only, got %d requests", len(icmp.reqs))
	}
}

func TestShardICMPOtherMintsEcho(t *testing.T) {
	s, _, _, icmp := newTestShard(baseConfig())
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoICMP,
		ICMP:  packet.ICMPInfo{Type: ipv4.ICMPTypeDestinationUnreachable},
	}
	s.handlePacket(p)
	if len(icmp.reqs) != 1 {
		t.Fatalf("expected 1 forwarded icmp-echo request, got %d", len(icmp.reqs))
	}
	if icmp.reqs[0].Method != packet.MethodICMPEcho {
		t.Fatalf("expected icmp-echo method, got %v", icmp.reqs[0].Method)
	}
}

func TestShardDisabledProtocolLogsOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.TCPEnabled = false
	s, tcp, _, _ := newTestShard(cfg)
	p := packet.Packet{
		Saddr: netip.MustParseAddr("10.0.0.1"),
		Daddr: netip.MustParseAddr("10.255.0.5"),
		Proto: packet.ProtoTCP,
		TCP:   packet.TCPInfo{Flags: packet.TCPFlags{SYN: true}},
	}
	s.handlePacket(p)
	if len(tcp.reqs) != 0 {
		t.Fatal("expected no requests forwarded when TCP is disabled")
	}
}

// Invariant: user-ids minted by one shard do not collide within the 2^24
// window and always carry the shard id; checked over the first 5000 mints.
func TestShardUserIDsUniqueWithinWindow(t *testing.T) {
	s, _, _, _ := newTestShard(baseConfig())
	seen := make(map[uint32]struct{})
	for i := 0; i < 5000; i++ {
		id := s.nextUserID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate user-id %d at iteration %d", id, i)
		}
		seen[id] = struct{}{}
		if packet.ShardID(id) != 3 {
			t.Fatalf("user-id %d does not carry shard id 3", id)
		}
	}
}
