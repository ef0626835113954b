package forward

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// udpListener is a bound UDP socket the engine accepts client queries on.
type udpListener struct {
	pc      net.PacketConn
	isIPv6  bool
	ifIndex int // 0 for a wildcard bind; spec.md documents this as platform-specific
}

// ListenUDP adds a UDP listener bound to addr. Call before Start.
func (e *Engine) ListenUDP(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}

	host, _, splitErr := net.SplitHostPort(addr)
	isIPv6 := splitErr == nil && net.ParseIP(host) != nil && net.ParseIP(host).To4() == nil

	if err := e.netctl.Prepare(pc, isIPv6); err != nil {
		e.logger.Warn("ancillary control messages unavailable, falling back to unpinned replies", "addr", addr, "error", err)
	}

	e.udpListeners = append(e.udpListeners, udpListener{pc: pc, isIPv6: isIPv6})
	return nil
}

func (e *Engine) startUDP(ctx context.Context) error {
	for _, l := range e.udpListeners {
		go e.udpLoop(ctx, l)
	}
	return nil
}

// udpLoop implements spec.md §4.E's `receive_query`: read a datagram, apply
// interface policy, answer locally or forward upstream.
func (e *Engine) udpLoop(ctx context.Context, l udpListener) {
	buf := make([]byte, e.Config.EDNSPacketSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, src, dst, ifIndex, hasDst, err := e.netctl.ReadFrom(l.pc, buf, l.isIPv6)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("udp read failed", "error", err)
			continue
		}

		if !hasDst && !e.Config.NoWild {
			// spec.md's documented zero-ifindex case: bound to a wildcard
			// address, we cannot honor interface policy or pin the reply's
			// source without ancillary data, so drop the datagram rather
			// than risk answering from the wrong address.
			e.logger.Debug("udp datagram missing destination ancillary data, dropping", "addr", src)
			continue
		}

		if !e.Config.InterfacePolicy.Accept(ifaceNameByIndex(ifIndex), dst) {
			continue
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			continue
		}
		if len(req.Question) == 0 || req.Response {
			continue
		}

		go e.handleUDPQuery(l, req, src, dst, ifIndex)
	}
}

func (e *Engine) handleUDPQuery(l udpListener, req *dns.Msg, src netip.AddrPort, dst netip.Addr, ifIndex int) {
	now := time.Now()
	q := req.Question[0]

	e.QueryLog.LogQuery(q.Name, q.Qtype, src.Addr(), false)

	if resp, ok := e.Answerer.Answer(req); ok {
		e.sendUDP(l, resp, src, dst, ifIndex)
		return
	}

	lf := selectLocal(e.Servers, e.Config.NodotsLocal, q.Qtype, q.Name)
	if lf.answerLocally() {
		e.sendUDP(l, buildLocalReply(req, lf), src, dst, ifIndex)
		return
	}

	existing := e.Table.LookupBySender(req.Id, src)
	retransmit := existing != nil
	if retransmit {
		// spec.md §4.D: a retransmit of an in-flight query reaches every
		// eligible upstream unconditionally (unless strict order is
		// configured), instead of opening a second forwarding record.
		e.fanOut(planForward(e.Servers, lf, e.Config.Order, true), req, l)
		return
	}

	rec := e.Table.GetNew(now)
	if rec == nil {
		// Table full; the client will retry.
		return
	}

	rec.OrigID = req.Id
	rec.Source = src
	rec.Dest = dst
	rec.Iface = uint32(ifIndex)
	rec.NewID = e.Table.AllocateID()
	rec.Time = now

	plan := planForward(e.Servers, lf, e.Config.Order, false)
	req.Id = rec.NewID

	sent := e.forwardRing(plan, req, l, func(up *Upstream) { rec.SentTo = up })
	if !sent {
		e.Table.Free(rec)
		return
	}
	e.Servers.SetLastServer(rec.SentTo)
}

// fanOut resends req to every eligible upstream under plan without
// allocating a forwarding record, matching spec.md's retransmit handling:
// the already-in-flight record's reply satisfies the client.
func (e *Engine) fanOut(plan forwardPlan, req *dns.Msg, l udpListener) {
	e.forwardRing(plan, req, l, nil)
}

// forwardRing walks the upstream ring starting at plan.start, sending req to
// every eligible upstream (all of them if plan.forwardAll, else just the
// first eligible one), matching spec.md §4.D's ring-walk. onSent, if
// non-nil, is called with the first upstream actually sent to.
func (e *Engine) forwardRing(plan forwardPlan, req *dns.Msg, l udpListener, onSent func(*Upstream)) bool {
	packed, err := req.Pack()
	if err != nil {
		return false
	}

	sentAny := false
	for i := 0; i < e.Servers.Len(); i++ {
		up := e.Servers.At(plan.start + i)
		if !plan.eligible(up) {
			continue
		}

		conn, dialErr := up.udp(dialUDPUpstream)
		if dialErr != nil {
			e.logger.Debug("dialing upstream failed", "upstream", up.Addr, "error", dialErr)
			continue
		}

		if _, err := conn.Write(packed); err != nil {
			e.logger.Debug("forwarding to upstream failed", "upstream", up.Addr, "error", err)
			up.closeUDP()
			continue
		}

		if !sentAny && onSent != nil {
			onSent(up)
		}
		sentAny = true
		go e.readUpstreamReply(l, conn, up)

		if !plan.forwardAll {
			break
		}
	}

	return sentAny
}

// dialUDPUpstream opens a connected UDP socket to addr, the dial function
// passed to [Upstream.udp]. A connected socket only ever delivers datagrams
// actually sent by addr, keeping upstream traffic separate from the
// client-facing listening socket (spec.md §2/§4.F/§5).
func dialUDPUpstream(addr netip.AddrPort) (net.Conn, error) {
	return net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
}

// readUpstreamReply implements spec.md §4.F `reply_query`: read one reply
// from up's dedicated UDP socket, validate it, match it to its forwarding
// record by upstream-facing ID, rewrite the ID back, post-process, and
// dispatch to the client via the original listening socket l.
//
// conn is connected to up, so only datagrams up itself sent ever arrive here;
// a read does not race with the client-facing listener's read loop. The reply
// may legitimately belong to a different in-flight record than the query that
// triggered this particular read (several queries can share one upstream
// socket); the ID lookup below handles that.
func (e *Engine) readUpstreamReply(l udpListener, conn net.Conn, up *Upstream) {
	buf := make([]byte, e.Config.EDNSPacketSize)

	n, err := conn.Read(buf)
	if err != nil {
		up.closeUDP()
		return
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		return
	}
	if !resp.Response {
		// spec.md §4.F: a datagram with the QR bit unset is not a reply and
		// must be dropped rather than matched against the forwarding table.
		return
	}

	rec := e.Table.LookupByNew(resp.Id)
	if rec == nil {
		return
	}

	if !e.processReply(resp, up.Addr.String(), time.Now(), e.logger) {
		return
	}
	defer e.Table.Free(rec)

	// Sticky-server promotion: a reply to a query sent to a plain upstream
	// makes the plain upstream with the reply's source address the new last
	// server, falling back to SentTo when none matches.
	if last := rec.SentTo; last != nil && last.Kind == KindPlain {
		for _, p := range e.Servers.PlainUpstreams() {
			if p.Addr == up.Addr {
				last = p
				break
			}
		}
		e.Servers.SetLastServer(last)
	}

	resp.Id = rec.OrigID
	e.sendUDP(l, resp, rec.Source, rec.Dest, int(rec.Iface))
}

func (e *Engine) sendUDP(l udpListener, resp *dns.Msg, dst netip.AddrPort, src netip.Addr, ifIndex int) {
	packed, err := resp.Pack()
	if err != nil {
		return
	}
	if e.Config.NoWild {
		src, ifIndex = netip.Addr{}, 0
	}
	if err := e.netctl.WriteTo(l.pc, packed, src, ifIndex, dst); err != nil {
		e.logger.Debug("udp reply send failed", "dest", dst, "error", err)
	}
}

// ifaceNameByIndex resolves an interface index to a name for
// [InterfacePolicy.Accept]. Index 0 (no ancillary data available) resolves to
// the empty string, matching an unrestricted policy's accept-all default.
func ifaceNameByIndex(idx int) string {
	if idx == 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(idx)
	if err != nil {
		return ""
	}
	return iface.Name
}
