package scamper

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/inetrg/spoki-reactor/internal/packet"
)

// objectKind tags a decoded-object frame on the decoder-readside pipe. The
// daemon's actual on-wire ping-object encoding is internal to the probing
// daemon and out of this repository's scope (spec.md only pins down the
// uuencode framing around it and the CSV fields a decoded ping carries —
// see DESIGN.md); this is the minimal self-consistent binary framing this
// driver and its test double agree on.
type objectKind byte

const (
	objectOther objectKind = 0
	objectPing  objectKind = 1
)

// EncodePingObject serializes r the way the probing daemon is assumed to
// frame a decoded ping object on the decoder-readside pipe. Exported so a
// test double daemon can synthesize replies end to end.
func EncodePingObject(r packet.Reply) []byte {
	var buf []byte
	buf = append(buf, byte(objectPing))
	buf = appendUint64(buf, uint64(r.StartSec))
	buf = appendUint64(buf, uint64(r.StartUsec))
	buf = appendString(buf, string(r.Method))
	buf = appendUint32(buf, r.UserID)
	buf = appendUint32(buf, uint32(r.PingSent))
	buf = appendAddr(buf, r.Src)
	buf = appendAddr(buf, r.Dst)
	buf = appendUint16(buf, r.Sport)
	buf = appendUint16(buf, r.Dport)
	return buf
}

// EncodeOtherObject frames a non-ping object of the given payload size; the
// decode loop must skip exactly that many bytes and discard them.
func EncodeOtherObject(payload []byte) []byte {
	var buf []byte
	buf = append(buf, byte(objectOther))
	buf = appendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// decodeObjects runs the "scamper-file reader" spec.md §4.4 describes: it
// pulls typed objects off r until EOF, discards anything that is not a
// ping, and delivers decoded pings to collector. It returns when r is
// exhausted or on a framing error that makes further decoding unsafe.
func decodeObjects(r io.Reader, collector ReplyCollector, onPing func()) error {
	br := bufio.NewReader(r)
	for {
		kindByte, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scamper: decode object kind: %w", err)
		}
		switch objectKind(kindByte) {
		case objectPing:
			reply, err := decodePingObject(br)
			if err != nil {
				return fmt.Errorf("scamper: decode ping object: %w", err)
			}
			if onPing != nil {
				onPing()
			}
			collector.Deliver(reply)
		default:
			n, err := readUint32(br)
			if err != nil {
				return fmt.Errorf("scamper: decode object length: %w", err)
			}
			if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
				return fmt.Errorf("scamper: discard non-ping object: %w", err)
			}
		}
	}
}

func decodePingObject(br *bufio.Reader) (packet.Reply, error) {
	var r packet.Reply
	startSec, err := readUint64(br)
	if err != nil {
		return r, err
	}
	startUsec, err := readUint64(br)
	if err != nil {
		return r, err
	}
	method, err := readString(br)
	if err != nil {
		return r, err
	}
	userID, err := readUint32(br)
	if err != nil {
		return r, err
	}
	pingSent, err := readUint32(br)
	if err != nil {
		return r, err
	}
	src, err := readAddr(br)
	if err != nil {
		return r, err
	}
	dst, err := readAddr(br)
	if err != nil {
		return r, err
	}
	sport, err := readUint16(br)
	if err != nil {
		return r, err
	}
	dport, err := readUint16(br)
	if err != nil {
		return r, err
	}
	r.StartSec = int64(startSec)
	r.StartUsec = int64(startUsec)
	r.Method = packet.Method(method)
	r.UserID = userID
	r.PingSent = int(pingSent)
	r.Src = src
	r.Dst = dst
	r.Sport = sport
	r.Dport = dport
	return r, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendAddr(buf []byte, a netip.Addr) []byte {
	if a.Is4() {
		b := a.As4()
		return append(append(buf, 4), b[:]...)
	}
	b := a.As16()
	return append(append(buf, 16), b[:]...)
}

func readUint64(br *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readUint32(br *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint16(br *bufio.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readString(br *bufio.Reader) (string, error) {
	n, err := readUint16(br)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(br, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readAddr(br *bufio.Reader) (netip.Addr, error) {
	lenByte, err := br.ReadByte()
	if err != nil {
		return netip.Addr{}, err
	}
	b := make([]byte, lenByte)
	if _, err := io.ReadFull(br, b); err != nil {
		return netip.Addr{}, err
	}
	switch lenByte {
	case 4:
		return netip.AddrFrom4([4]byte(b)), nil
	case 16:
		return netip.AddrFrom16([16]byte(b)), nil
	default:
		return netip.Addr{}, fmt.Errorf("scamper: bad address length %d", lenByte)
	}
}
