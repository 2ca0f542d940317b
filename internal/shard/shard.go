// Package shard implements the per-packet reactive state machine (C4,
// spec.md §4.2): given an observed packet, it decides whether to request
// a probe and mints the user-id that correlates the eventual reply back
// to this shard.
package shard

import (
	"log"
	"net/netip"
	"time"

	"github.com/inetrg/spoki-reactor/internal/classify"
	"github.com/inetrg/spoki-reactor/internal/logcsv"
	"github.com/inetrg/spoki-reactor/internal/packet"
	"github.com/inetrg/spoki-reactor/internal/replybuf"
)

// Prober is the interface a Shard uses to hand a Request to that
// protocol's Prober Manager (C3). isScannerLike is threaded through so the
// manager can build its TargetKey without reaching back into classify.
type Prober interface {
	Submit(req packet.Request, isScannerLike bool)
}

// Config is the per-shard tuning knobs spec.md §4.2 and §6 describe.
type Config struct {
	TCPEnabled  bool
	UDPEnabled  bool
	ICMPEnabled bool

	KSyn  int
	KRst  int
	KUDP  int
	KICMP int

	DeltaRst time.Duration

	UDPReflect        bool
	UDPDefaultPayload []byte
	UDPServicePayload map[uint16][]byte
}

// message is the closed set of mailbox events a Shard actor processes.
// Per spec.md §9 ("finite, enumerated message variant... pure function
// from (state, message) to (state, outgoing messages)") this is the one
// union type the actor switches on.
type message struct {
	packet     *packet.Packet
	releaseRST *releaseRST
}

type releaseRST struct {
	endpoint packet.Endpoint
	req      packet.Request
}

// Shard is the per-source-affinity actor. ID occupies the upper 8 bits of
// every user-id it mints; it never changes after construction.
type Shard struct {
	id     uint8
	tagCnt uint32

	cfg        Config
	classifier *classify.Classifier

	tcpProber  Prober
	udpProber  Prober
	icmpProber Prober

	buf *replybuf.Buffer

	rstScheduled map[packet.Endpoint]struct{}

	inbox chan message
	quit  chan struct{}
}

// New constructs a Shard. Call Run in its own goroutine to start the
// actor's mailbox loop.
func New(id uint8, cfg Config, classifier *classify.Classifier, tcpProber, udpProber, icmpProber Prober, buf *replybuf.Buffer) *Shard {
	return &Shard{
		id:           id,
		cfg:          cfg,
		classifier:   classifier,
		tcpProber:    tcpProber,
		udpProber:    udpProber,
		icmpProber:   icmpProber,
		buf:          buf,
		rstScheduled: make(map[packet.Endpoint]struct{}),
		inbox:        make(chan message, 1024),
		quit:         make(chan struct{}),
	}
}

// Send implements dispatch.Inbox: a non-blocking enqueue of an observed
// packet. Returns false (and drops) if the mailbox is full — this is the
// "saturation manifests as dropped capture records" path of spec.md §6,
// pushed one level down to the shard's own buffering.
func (s *Shard) Send(p packet.Packet) bool {
	select {
	case s.inbox <- message{packet: &p}:
		return true
	default:
		return false
	}
}

// Stop signals the actor loop to exit. Messages still queued in the
// mailbox are not processed.
func (s *Shard) Stop() { close(s.quit) }

// Run is the actor's mailbox loop. Per-packet processing is strictly
// ordered by arrival (spec.md §5); the delayed-RST timer re-enters via the
// same mailbox so rstScheduled is only ever touched from this goroutine.
func (s *Shard) Run() {
	for {
		select {
		case <-s.quit:
			return
		case m := <-s.inbox:
			switch {
			case m.packet != nil:
				s.handlePacket(*m.packet)
			case m.releaseRST != nil:
				s.handleReleaseRST(*m.releaseRST)
			}
		}
	}
}

func (s *Shard) nextUserID() uint32 {
	s.tagCnt = (s.tagCnt + 1) % (1 << 24)
	return packet.MakeUserID(s.id, s.tagCnt)
}

func (s *Shard) isScannerLike(addr netip.Addr) bool {
	return s.classifier.IsScannerLike(addr)
}

func (s *Shard) handlePacket(p packet.Packet) {
	switch p.Proto {
	case packet.ProtoTCP:
		s.handleTCP(p)
	case packet.ProtoUDP:
		s.handleUDP(p)
	case packet.ProtoICMP:
		s.handleICMP(p)
	default:
		s.logOnly(p)
	}
}

func (s *Shard) handleTCP(p packet.Packet) {
	if !s.cfg.TCPEnabled {
		s.logOnly(p)
		return
	}
	tcp := p.TCP
	synOnly := tcp.Flags.SYN && !tcp.Flags.ACK && !tcp.Flags.RST
	ackOnly := !tcp.Flags.SYN && tcp.Flags.ACK

	switch {
	case synOnly:
		req := packet.Request{
			Method:    packet.MethodTCPSynAck,
			Saddr:     p.Daddr,
			Daddr:     p.Saddr,
			Sport:     tcp.Dport,
			Dport:     tcp.Sport,
			Anum:      tcp.Snum + uint32(len(tcp.Payload)) + 1,
			NumProbes: s.cfg.KSyn,
			UserID:    s.nextUserID(),
			Spoof:     true,
		}
		s.logAndSubmit(p, req, s.tcpProber)

	case ackOnly:
		e := packet.Endpoint{Addr: p.Saddr, Port: tcp.Sport}
		if _, pending := s.rstScheduled[e]; pending {
			// Duplicate ACK while a RST is already scheduled/in flight for
			// this endpoint: drop before minting (spec.md §4.2, S2).
			return
		}
		s.rstScheduled[e] = struct{}{}
		req := packet.Request{
			Method:    packet.MethodTCPRst,
			Saddr:     p.Daddr,
			Daddr:     p.Saddr,
			Sport:     tcp.Dport,
			Dport:     tcp.Sport,
			Snum:      tcp.Anum,
			NumProbes: s.cfg.KRst,
			UserID:    s.nextUserID(),
			Spoof:     true,
		}
		s.logRaw(p, true, req)
		s.scheduleRSTRelease(e, req)

	case tcp.Flags.FIN:
		s.logOnly(p)

	default:
		s.logOnly(p)
	}
}

// scheduleRSTRelease arms a timer that re-enters the actor's own mailbox
// after DeltaRst, so the mailbox (not the timer goroutine) is what
// mutates rstScheduled and forwards the request.
func (s *Shard) scheduleRSTRelease(e packet.Endpoint, req packet.Request) {
	time.AfterFunc(s.cfg.DeltaRst, func() {
		select {
		case s.inbox <- message{releaseRST: &releaseRST{endpoint: e, req: req}}:
		case <-s.quit:
		}
	})
}

func (s *Shard) handleReleaseRST(r releaseRST) {
	delete(s.rstScheduled, r.endpoint)
	if s.tcpProber != nil {
		s.tcpProber.Submit(r.req, s.isScannerLike(r.req.Daddr))
	}
}

func (s *Shard) handleUDP(p packet.Packet) {
	if !s.cfg.UDPEnabled {
		s.logOnly(p)
		return
	}
	var payload []byte
	if s.cfg.UDPReflect {
		payload = p.UDP.Payload
	} else if svc, ok := s.cfg.UDPServicePayload[p.UDP.Dport]; ok {
		payload = svc
	} else {
		payload = s.cfg.UDPDefaultPayload
	}
	req := packet.Request{
		Method:    packet.MethodUDP,
		Saddr:     p.Daddr,
		Daddr:     p.Saddr,
		Sport:     p.UDP.Dport,
		Dport:     p.UDP.Sport,
		Payload:   payload,
		NumProbes: s.cfg.KUDP,
		UserID:    s.nextUserID(),
		Spoof:     true,
	}
	s.logAndSubmit(p, req, s.udpProber)
}

func (s *Shard) handleICMP(p packet.Packet) {
	if !s.cfg.ICMPEnabled {
		s.logOnly(p)
		return
	}
	if p.ICMP.IsEchoReply() {
		s.logOnly(p)
		return
	}
	req := packet.Request{
		Method:    packet.MethodICMPEcho,
		Saddr:     p.Daddr,
		Daddr:     p.Saddr,
		NumProbes: s.cfg.KICMP,
		UserID:    s.nextUserID(),
		Spoof:     true,
	}
	s.logAndSubmit(p, req, s.icmpProber)
}

func (s *Shard) logAndSubmit(p packet.Packet, req packet.Request, prober Prober) {
	s.logRaw(p, true, req)
	if prober != nil {
		prober.Submit(req, s.isScannerLike(req.Daddr))
	}
}

func (s *Shard) logOnly(p packet.Packet) {
	s.logRaw(p, false, packet.Request{})
}

func (s *Shard) logRaw(p packet.Packet, probed bool, req packet.Request) {
	if s.buf == nil {
		return
	}
	line := logcsv.EncodeRawEvent(logcsv.RawEvent{Packet: p, Probed: probed, Request: req})
	bucket := logcsv.HourBucket(p.Observed.Wall)
	if err := s.buf.Append([]byte(line), bucket); err != nil {
		log.Printf("shard[%d]: reply buffer append: %v", s.id, err)
	}
}
