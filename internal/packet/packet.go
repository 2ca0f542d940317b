// Package packet holds the immutable capture-record types the reactive core
// consumes, the in-flight probe request type it produces, and the small
// correlation types the dispatcher, shards, and prober manager key off of.
package packet

import (
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Proto discriminates the tagged union carried by a Packet.
type Proto uint8

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoICMP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// TCPFlags mirrors the subset of TCP header flags the reactor's state
// machine branches on.
type TCPFlags struct {
	SYN bool
	ACK bool
	RST bool
	FIN bool
}

// TCPInfo carries the protocol-specific fields of an observed TCP segment.
type TCPInfo struct {
	Sport   uint16
	Dport   uint16
	Snum    uint32
	Anum    uint32
	Flags   TCPFlags
	Options []byte
	Payload []byte
	Window  uint16
}

// UDPInfo carries the protocol-specific fields of an observed UDP datagram.
type UDPInfo struct {
	Sport   uint16
	Dport   uint16
	Payload []byte
}

// ICMPInfo carries the protocol-specific fields of an observed ICMP message.
// InnerProto/InnerSport/InnerDport are only populated for unreachable-style
// messages that embed the offending packet's header.
type ICMPInfo struct {
	Type       icmp.Type
	Code       uint8
	InnerProto Proto
	InnerSport uint16
	InnerDport uint16
}

// IsEchoReply reports whether this ICMP message is an echo reply, the one
// ICMP type the Shard's ICMP branch treats as "do not probe".
func (i ICMPInfo) IsEchoReply() bool {
	t, ok := i.Type.(ipv4.ICMPType)
	return ok && t == ipv4.ICMPTypeEchoReply
}

// Observed is the dual monotonic/wall timestamp a Packet is tagged with.
type Observed struct {
	Monotonic time.Time // time.Now(), used for timers/deadlines
	Wall      time.Time // wall-clock timestamp used for log bucketing
}

// Packet is an immutable capture record. Exactly one of TCP, UDP, ICMP is
// populated, selected by Proto.
type Packet struct {
	Saddr    netip.Addr
	Daddr    netip.Addr
	IPID     uint16
	TTL      uint8
	Observed Observed
	Proto    Proto

	TCP  TCPInfo
	UDP  UDPInfo
	ICMP ICMPInfo
}

// Method identifies a Scamper probe method.
type Method string

const (
	MethodICMPEcho  Method = "icmp-echo"
	MethodUDP       Method = "udp"
	MethodTCPSynAck Method = "tcp-synack"
	MethodTCPRst    Method = "tcp-rst"
)

// Request is a probe command in flight, keyed end-to-end by UserID.
type Request struct {
	Method     Method
	Saddr      netip.Addr
	Daddr      netip.Addr
	Sport      uint16
	Dport      uint16
	Snum       uint32 // only used by TCP methods
	Anum       uint32 // only used by TCP methods
	Payload    []byte
	NumProbes  int
	UserID     uint32
	Spoof      bool // -O spoof: source address is forged as Saddr
	NoSrc      bool // -O nosrc (UDP only): omit source address from the command
}

// Endpoint is a (addr, port) pair; the only use is tracking in-flight
// delayed RST scheduling.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// TargetKey is the at-most-one-in-flight key the Prober Manager dedups on.
type TargetKey struct {
	Addr          netip.Addr
	IsScannerLike bool
}

// ShardID extracts the upper 8 bits of a user-id — the shard that minted it.
func ShardID(userID uint32) uint8 {
	return uint8(userID >> 24)
}

// Counter extracts the lower 24 bits of a user-id.
func Counter(userID uint32) uint32 {
	return userID & 0x00FFFFFF
}

// MakeUserID packs a shard id and a 24-bit counter into a user-id.
func MakeUserID(shardID uint8, counter uint32) uint32 {
	return uint32(shardID)<<24 | (counter & 0x00FFFFFF)
}

// Reply is a decoded Scamper ping result, correlated back to its Request
// by UserID.
type Reply struct {
	StartSec  int64
	StartUsec int64
	Method    Method
	UserID    uint32
	PingSent  int
	Src       netip.Addr
	Dst       netip.Addr
	Sport     uint16
	Dport     uint16
}
