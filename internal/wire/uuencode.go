package wire

import (
	"bytes"
	"fmt"
)

// Scamper's DATA payload (spec.md §4.4, §6) is uuencoded. There's no
// maintained third-party uuencode implementation in the Go ecosystem
// (see DESIGN.md); this is the same hand-rolled-codec texture as the
// teacher's TLV encode/decode in internal/hdhomerun/packet.go, just for a
// different wire format.

const uuLineMax = 45 // classic uuencode groups 45 bytes per line

// UUEncode encodes data as classic uuencoded lines (each prefixed with its
// length character and terminated with '\n'), without the "begin"/"end"
// envelope — Scamper's DATA framing already carries the byte count.
func UUEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for off := 0; off < len(data); off += uuLineMax {
		end := off + uuLineMax
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		out = append(out, uuEncodeLine(chunk)...)
	}
	return out
}

func uuEncodeLine(chunk []byte) []byte {
	out := make([]byte, 0, 2+((len(chunk)+2)/3)*4)
	out = append(out, uuEnc(byte(len(chunk))))
	for i := 0; i < len(chunk); i += 3 {
		var b0, b1, b2 byte
		b0 = chunk[i]
		if i+1 < len(chunk) {
			b1 = chunk[i+1]
		}
		if i+2 < len(chunk) {
			b2 = chunk[i+2]
		}
		out = append(out,
			uuEnc(b0>>2),
			uuEnc((b0<<4&0x30)|(b1>>4)),
			uuEnc((b1<<2&0x3C)|(b2>>6)),
			uuEnc(b2&0x3F),
		)
	}
	out = append(out, '\n')
	return out
}

func uuEnc(b byte) byte {
	b &= 0x3F
	if b == 0 {
		return '`'
	}
	return b + ' '
}

func uuDec(c byte) byte {
	if c == '`' {
		return 0
	}
	return (c - ' ') & 0x3F
}

// UUDecode decodes a buffer of uuencoded lines back to raw bytes. It
// tolerates a trailing partial line by returning the bytes consumed so
// far via consumed, so callers driving this from a streaming reader can
// retry once more data arrives (spec.md §7 kind 2: short reads are
// transient, handled locally by retrying on next readiness).
func UUDecode(data []byte) (out []byte, consumed int, err error) {
	i := 0
	for i < len(data) {
		nl := bytes.IndexByte(data[i:], '\n')
		if nl < 0 {
			break // partial trailing line; wait for more
		}
		line := data[i : i+nl]
		if len(line) == 0 {
			i += nl + 1
			continue
		}
		n := int(uuDec(line[0]))
		body := line[1:]
		decoded, derr := uuDecodeLine(body, n)
		if derr != nil {
			return out, i, fmt.Errorf("wire: uudecode: %w", derr)
		}
		out = append(out, decoded...)
		i += nl + 1
	}
	return out, i, nil
}

func uuDecodeLine(body []byte, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for i := 0; i+3 < len(body)+3 && len(out) < n; i += 4 {
		var c0, c1, c2, c3 byte
		if i < len(body) {
			c0 = uuDec(body[i])
		}
		if i+1 < len(body) {
			c1 = uuDec(body[i+1])
		}
		if i+2 < len(body) {
			c2 = uuDec(body[i+2])
		}
		if i+3 < len(body) {
			c3 = uuDec(body[i+3])
		}
		group := []byte{
			c0<<2 | c1>>4,
			c1<<4 | c2>>2,
			c2<<6 | c3,
		}
		remaining := n - len(out)
		if remaining < len(group) {
			group = group[:remaining]
		}
		out = append(out, group...)
	}
	return out, nil
}
