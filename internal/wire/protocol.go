package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ControlKind discriminates one parsed line of the daemon's control
// protocol (spec.md §4.4).
type ControlKind uint8

const (
	ControlOK ControlKind = iota
	ControlMore
	ControlData
	ControlErr
)

// ControlLine is one decoded line from the daemon.
type ControlLine struct {
	Kind    ControlKind
	N       int    // valid for ControlData: byte count of the following payload
	Message string // valid for ControlErr: the raw error text
}

// ParseControlLine decodes a single newline-delimited control line. An
// unrecognized prefix and a "DATA 0" line are both protocol violations
// (spec.md §7 kind 3): ParseControlLine still returns ControlErr so callers
// can log-and-ignore rather than terminate.
func ParseControlLine(line string) (ControlLine, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "OK":
		return ControlLine{Kind: ControlOK}, nil
	case line == "MORE":
		return ControlLine{Kind: ControlMore}, nil
	case strings.HasPrefix(line, "DATA "):
		nStr := strings.TrimSpace(strings.TrimPrefix(line, "DATA "))
		n, err := strconv.Atoi(nStr)
		if err != nil {
			return ControlLine{Kind: ControlErr, Message: fmt.Sprintf("malformed DATA line %q", line)}, nil
		}
		if n <= 0 {
			return ControlLine{Kind: ControlErr, Message: fmt.Sprintf("DATA with non-positive length %d", n)}, nil
		}
		return ControlLine{Kind: ControlData, N: n}, nil
	case strings.HasPrefix(line, "ERR"):
		return ControlLine{Kind: ControlErr, Message: strings.TrimSpace(strings.TrimPrefix(line, "ERR"))}, nil
	default:
		return ControlLine{Kind: ControlErr, Message: fmt.Sprintf("unrecognized control line %q", line)}, nil
	}
}
