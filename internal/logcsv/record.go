// Package logcsv implements the pipe-separated CSV record formats
// (spec.md §6) and the hour-bucketed, two-file-window log writer (C1,
// spec.md §4.6).
package logcsv

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

// RawEventHeader is the header row for the raw-event CSV family (one row
// per observed packet, with optional probe-reaction fields).
const RawEventHeader = "ts|saddr|daddr|ipid|ttl|proto|sport|dport|anum|snum|options|payload|syn|ack|rst|fin|window_size|probed|method|userid|probe_anum|probe_snum|num_probes\n"

// ReplyHeader is the header row for the Scamper-reply CSV family.
const ReplyHeader = "start_sec|start_usec|method|userid|ping_sent|src|dst|sport|dport\n"

// RawEvent is one raw-event CSV row: an observed packet plus the optional
// request the Shard decided to emit for it.
type RawEvent struct {
	Packet  packet.Packet
	Probed  bool
	Request packet.Request // zero value when Probed is false
}

// EncodeRawEvent renders r as one pipe-delimited CSV line, matching the
// field order of RawEventHeader exactly. Missing fields are empty (two
// adjacent delimiters); hex fields are lowercase.
func EncodeRawEvent(r RawEvent) string {
	p := r.Packet
	var (
		sport, dport, anum, snum string
		options, payload         string
		synS, ackS, rstS, finS   string
		window                   string
	)
	switch p.Proto {
	case packet.ProtoTCP:
		sport = u16(p.TCP.Sport)
		dport = u16(p.TCP.Dport)
		anum = u32(p.TCP.Anum)
		snum = u32(p.TCP.Snum)
		options = hex.EncodeToString(p.TCP.Options)
		payload = hex.EncodeToString(p.TCP.Payload)
		synS = boolField(p.TCP.Flags.SYN)
		ackS = boolField(p.TCP.Flags.ACK)
		rstS = boolField(p.TCP.Flags.RST)
		finS = boolField(p.TCP.Flags.FIN)
		window = u16(p.TCP.Window)
	case packet.ProtoUDP:
		sport = u16(p.UDP.Sport)
		dport = u16(p.UDP.Dport)
		payload = hex.EncodeToString(p.UDP.Payload)
	case packet.ProtoICMP:
		// No ports/seq numbers for ICMP; fields stay empty.
	}

	var probed, method, userid, probeAnum, probeSnum, numProbes string
	if r.Probed {
		probed = "1"
		method = string(r.Request.Method)
		userid = strconv.FormatUint(uint64(r.Request.UserID), 10)
		probeAnum = u32(r.Request.Anum)
		probeSnum = u32(r.Request.Snum)
		numProbes = strconv.Itoa(r.Request.NumProbes)
	} else {
		probed = "0"
	}

	fields := []string{
		strconv.FormatInt(p.Observed.Wall.Unix(), 10),
		p.Saddr.String(),
		p.Daddr.String(),
		strconv.FormatUint(uint64(p.IPID), 10),
		strconv.FormatUint(uint64(p.TTL), 10),
		p.Proto.String(),
		sport, dport, anum, snum,
		options, payload,
		synS, ackS, rstS, finS,
		window,
		probed, method, userid, probeAnum, probeSnum, numProbes,
	}
	return strings.Join(fields, "|") + "\n"
}

// EncodeReply renders a decoded Scamper reply as one pipe-delimited CSV
// line, matching ReplyHeader's field order.
func EncodeReply(r packet.Reply) string {
	fields := []string{
		strconv.FormatInt(r.StartSec, 10),
		strconv.FormatInt(r.StartUsec, 10),
		string(r.Method),
		strconv.FormatUint(uint64(r.UserID), 10),
		strconv.Itoa(r.PingSent),
		r.Src.String(),
		r.Dst.String(),
		u16(r.Sport),
		u16(r.Dport),
	}
	return strings.Join(fields, "|") + "\n"
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func u16(v uint16) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("%d", v)
}

func u32(v uint32) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("%d", v)
}
