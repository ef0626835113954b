package forward

import (
	"net/netip"

	"github.com/miekg/dns"
)

// WildcardDetector flags upstream replies that match dnsmasq's
// "bogus-nxdomain" heuristic (spec.md §4.F step 3, §7, §8): some ISP
// resolvers answer any unknown name with an advertiser-controlled address
// instead of NXDOMAIN. Configuring the set of such addresses lets the engine
// drop those replies instead of caching or forwarding them to the client.
type WildcardDetector struct {
	addrs map[netip.Addr]struct{}
}

// NewWildcardDetector builds a detector over the given bogus addresses.
func NewWildcardDetector(addrs []netip.Addr) *WildcardDetector {
	d := &WildcardDetector{addrs: make(map[netip.Addr]struct{}, len(addrs))}
	for _, a := range addrs {
		d.addrs[a.Unmap()] = struct{}{}
	}
	return d
}

// Bogus reports whether resp's answer section contains any configured bogus
// address. Only meaningful for NOERROR replies, per spec.md §4.F step 3.
func (d *WildcardDetector) Bogus(resp *dns.Msg) bool {
	if d == nil || len(d.addrs) == 0 {
		return false
	}

	for _, rr := range resp.Answer {
		var ip netip.Addr
		switch rec := rr.(type) {
		case *dns.A:
			addr, ok := netip.AddrFromSlice(rec.A.To4())
			if !ok {
				continue
			}
			ip = addr
		case *dns.AAAA:
			addr, ok := netip.AddrFromSlice(rec.AAAA.To16())
			if !ok {
				continue
			}
			ip = addr
		default:
			continue
		}

		if _, bogus := d.addrs[ip.Unmap()]; bogus {
			return true
		}
	}

	return false
}
