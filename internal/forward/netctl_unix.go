package forward

import (
	"errors"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// netControl abstracts the ancillary-data control needed to answer a UDP
// query from the same local address it arrived on, and to learn which
// interface it arrived on (spec.md §4.E, "Source-address preservation").
// Kept as an interface so the forwarding logic never depends directly on
// golang.org/x/net/ipv4 or ipv6.
type netControl interface {
	// Prepare enables the ancillary control messages needed by ReadFrom and
	// WriteTo on pc. ipv6 selects the IPV6_PKTINFO socket option instead of
	// IPv4's.
	Prepare(pc net.PacketConn, isIPv6 bool) error

	// ReadFrom reads one datagram, reporting the destination address it was
	// sent to (dst) and the ingress interface index, when the kernel
	// supplied ancillary data. isIPv6 must match the value Prepare was
	// called with for pc, so the right control-message family is parsed. ok
	// is false if no destination info was available (spec.md's documented
	// zero-ifindex/NoWild fallback).
	ReadFrom(pc net.PacketConn, buf []byte, isIPv6 bool) (n int, src netip.AddrPort, dst netip.Addr, ifIndex int, ok bool, err error)

	// WriteTo sends buf to dst, pinning the source address to src and the
	// egress interface to ifIndex when the platform allows it. If src is the
	// zero value and ifIndex is 0, WriteTo falls back to the socket's default
	// source selection (spec.md's OPT_NOWILD / single-bind-address case).
	WriteTo(pc net.PacketConn, buf []byte, src netip.Addr, ifIndex int, dst netip.AddrPort) error
}

// defaultNetControl implements netControl with golang.org/x/net/ipv4 and
// ipv6 PacketConns, wrapping IP_PKTINFO / IPV6_PKTINFO ancillary data.
type defaultNetControl struct{}

func (defaultNetControl) Prepare(pc net.PacketConn, isIPv6 bool) error {
	if isIPv6 {
		p := ipv6.NewPacketConn(pc)
		return p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	}
	p := ipv4.NewPacketConn(pc)
	return p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
}

func (defaultNetControl) ReadFrom(
	pc net.PacketConn,
	buf []byte,
	isIPv6 bool,
) (n int, src netip.AddrPort, dst netip.Addr, ifIndex int, ok bool, err error) {
	conn, isUDP := pc.(*net.UDPConn)
	if !isUDP {
		n, rAddr, rErr := pc.ReadFrom(buf)
		if rErr != nil {
			return 0, netip.AddrPort{}, netip.Addr{}, 0, false, rErr
		}
		return n, mustAddrPort(rAddr), netip.Addr{}, 0, false, nil
	}

	if isIPv6 {
		p6 := ipv6.NewPacketConn(conn)
		n, cm, rAddr, rErr := p6.ReadFrom(buf)
		if rErr != nil {
			return 0, netip.AddrPort{}, netip.Addr{}, 0, false, rErr
		}
		src = mustAddrPort(rAddr)
		if cm != nil {
			dst, _ = netip.AddrFromSlice(cm.Dst)
			ifIndex = cm.IfIndex
			ok = cm.Dst != nil
		}
		return n, src, dst, ifIndex, ok, nil
	}

	p4 := ipv4.NewPacketConn(conn)
	n, cm, rAddr, rErr := p4.ReadFrom(buf)
	if rErr != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, 0, false, rErr
	}
	src = mustAddrPort(rAddr)
	if cm != nil {
		dst, _ = netip.AddrFromSlice(cm.Dst)
		ifIndex = cm.IfIndex
		ok = cm.Dst != nil
	}
	return n, src, dst, ifIndex, ok, nil
}

func (defaultNetControl) WriteTo(pc net.PacketConn, buf []byte, src netip.Addr, ifIndex int, dst netip.AddrPort) error {
	udpDst := net.UDPAddrFromAddrPort(dst)

	conn, ok := pc.(*net.UDPConn)
	if !ok || (!src.IsValid() && ifIndex == 0) {
		_, err := pc.WriteTo(buf, udpDst)
		return err
	}

	if src.Is4() {
		p4 := ipv4.NewPacketConn(conn)
		cm := &ipv4.ControlMessage{IfIndex: ifIndex}
		if src.IsValid() {
			cm.Src = src.AsSlice()
		}
		if _, err := p4.WriteTo(buf, cm, udpDst); err != nil {
			if !errors.Is(err, syscall.EINVAL) {
				return err
			}
			// spec.md §4.E/§7: some kernels reject a pinned source/interface
			// (e.g. an address no longer assigned) with EINVAL; retry once
			// unpinned rather than dropping the reply.
			_, err = pc.WriteTo(buf, udpDst)
			return err
		}
		return nil
	}

	p6 := ipv6.NewPacketConn(conn)
	cm := &ipv6.ControlMessage{IfIndex: ifIndex}
	if src.IsValid() {
		cm.Src = src.AsSlice()
	}
	if _, err := p6.WriteTo(buf, cm, udpDst); err != nil {
		if !errors.Is(err, syscall.EINVAL) {
			return err
		}
		_, err = pc.WriteTo(buf, udpDst)
		return err
	}
	return nil
}

func mustAddrPort(a net.Addr) netip.AddrPort {
	udpAddr, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port))
}
