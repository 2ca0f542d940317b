// Package wire implements the textual command encoding and the mixed
// text/binary control protocol the Scamper driver speaks to the daemon
// (spec.md §4.4, §6).
package wire

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

// EncodeCommand formats a Request as the single newline-terminated command
// line Scamper expects. Flag semantics follow spec.md §4.4 exactly:
//
//	-c N        number of probes
//	-P METHOD   probe method
//	-U uid      user id
//	-d/-F       destination/source port
//	-A          ack number (or seq for RST)
//	-B          hex payload
//	-i 0 -W 0   minimal inter-probe and probe wait
//	-O spoof    enable source spoofing
//	-S saddr    spoofed source
//	-O nosrc    (UDP only) disable source address inclusion
func EncodeCommand(r packet.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-c %d -P %s -U %d", r.NumProbes, r.Method, r.UserID)
	if r.Dport != 0 || r.Method == packet.MethodTCPSynAck || r.Method == packet.MethodTCPRst || r.Method == packet.MethodUDP {
		fmt.Fprintf(&b, " -d %d", r.Dport)
	}
	if r.Sport != 0 {
		fmt.Fprintf(&b, " -F %d", r.Sport)
	}
	switch r.Method {
	case packet.MethodTCPSynAck:
		fmt.Fprintf(&b, " -A %d", r.Anum)
	case packet.MethodTCPRst:
		fmt.Fprintf(&b, " -A %d", r.Snum)
	}
	if len(r.Payload) > 0 {
		fmt.Fprintf(&b, " -B %s", hex.EncodeToString(r.Payload))
	}
	b.WriteString(" -i 0 -W 0")
	if r.Spoof {
		b.WriteString(" -O spoof")
		if r.Saddr.IsValid() {
			fmt.Fprintf(&b, " -S %s", r.Saddr)
		}
	}
	if r.Method == packet.MethodUDP && r.NoSrc {
		b.WriteString(" -O nosrc")
	}
	fmt.Fprintf(&b, " %s\n", r.Daddr)
	return b.String()
}

// DecodeCommand parses a command line back into the fields spec.md's
// round-trip property (§8 item 7) requires: method, ports, addresses, and
// user-id survive an encode/decode round trip. Flags not covered by that
// property (payload, spoofing) are also recovered on a best-effort basis.
func DecodeCommand(line string) (packet.Request, error) {
	line = strings.TrimRight(line, "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return packet.Request{}, fmt.Errorf("wire: empty command line")
	}
	var r packet.Request
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		next := func() (string, error) {
			i++
			if i >= len(fields) {
				return "", fmt.Errorf("wire: %s missing argument", tok)
			}
			return fields[i], nil
		}
		switch tok {
		case "-c":
			v, err := next()
			if err != nil {
				return r, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return r, fmt.Errorf("wire: bad -c value %q: %w", v, err)
			}
			r.NumProbes = n
		case "-P":
			v, err := next()
			if err != nil {
				return r, err
			}
			r.Method = packet.Method(v)
		case "-U":
			v, err := next()
			if err != nil {
				return r, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return r, fmt.Errorf("wire: bad -U value %q: %w", v, err)
			}
			r.UserID = uint32(n)
		case "-d":
			v, err := next()
			if err != nil {
				return r, err
			}
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return r, fmt.Errorf("wire: bad -d value %q: %w", v, err)
			}
			r.Dport = uint16(n)
		case "-F":
			v, err := next()
			if err != nil {
				return r, err
			}
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return r, fmt.Errorf("wire: bad -F value %q: %w", v, err)
			}
			r.Sport = uint16(n)
		case "-A":
			v, err := next()
			if err != nil {
				return r, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return r, fmt.Errorf("wire: bad -A value %q: %w", v, err)
			}
			if r.Method == packet.MethodTCPRst {
				r.Snum = uint32(n)
			} else {
				r.Anum = uint32(n)
			}
		case "-B":
			v, err := next()
			if err != nil {
				return r, err
			}
			b, err := hex.DecodeString(v)
			if err != nil {
				return r, fmt.Errorf("wire: bad -B payload: %w", err)
			}
			r.Payload = b
		case "-i", "-W":
			if _, err := next(); err != nil {
				return r, err
			}
		case "-O":
			v, err := next()
			if err != nil {
				return r, err
			}
			switch v {
			case "spoof":
				r.Spoof = true
			case "nosrc":
				r.NoSrc = true
			}
		case "-S":
			v, err := next()
			if err != nil {
				return r, err
			}
			addr, err := parseAddr(v)
			if err != nil {
				return r, err
			}
			r.Saddr = addr
		default:
			// Bare trailing token: the destination address.
			if i == len(fields)-1 {
				addr, err := parseAddr(tok)
				if err != nil {
					return r, err
				}
				r.Daddr = addr
			}
		}
	}
	return r, nil
}
