package device

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ipv4SrcDst validates pkt as an IPv4 packet and returns its source and
// destination addresses, using gvisor's header package the way
// tun/multihoptun/tun.go does. A malformed or non-IPv4 packet is
// reported as an error so callers can drop it silently.
func ipv4SrcDst(pkt []byte) (src, dst netip.Addr, err error) {
	if len(pkt) < header.IPv4MinimumSize {
		return src, dst, fmt.Errorf("device: packet too short to be IPv4 (%d bytes)", len(pkt))
	}
	if header.IPVersion(pkt) != header.IPv4Version {
		return src, dst, fmt.Errorf("device: not an IPv4 packet (version %d)", header.IPVersion(pkt))
	}
	iph := header.IPv4(pkt)
	if !iph.IsValid(len(pkt)) {
		return src, dst, fmt.Errorf("device: invalid IPv4 header")
	}
	return netip.AddrFrom4(iph.SourceAddress().As4()), netip.AddrFrom4(iph.DestinationAddress().As4()), nil
}
