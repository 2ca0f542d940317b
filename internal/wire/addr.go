package wire

import (
	"fmt"
	"net/netip"
)

func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("wire: bad address %q: %w", s, err)
	}
	return addr, nil
}
