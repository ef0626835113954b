package forward

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// LocalFlags is the result of [selectLocal]: a verdict on whether the query
// should be answered locally and, if not, how forwarding should be
// restricted.
type LocalFlags struct {
	// NoError means answer with NOERROR/no-data (spec.md F_NOERR).
	NoError bool
	// NXDomain means answer with NXDOMAIN (spec.md F_NXDOMAIN).
	NXDomain bool
	// Literal, when non-zero, is the address to answer with.
	Literal netip.Addr
	// HasLiteral reports whether Literal is set.
	HasLiteral bool

	// Kind and Domain restrict which upstreams are eligible at forward
	// time (spec.md §4.D); Kind == KindPlain with Domain == "" means
	// unrestricted.
	Kind   Kind
	Domain string
}

// answerLocally reports whether flags alone determine the reply, with no
// forwarding required.
func (f LocalFlags) answerLocally() bool {
	return f.NoError || f.NXDomain || f.HasLiteral
}

// selectLocal implements spec.md §4.B (`search_servers`): given the query
// type and domain, walk the upstream list once to find the longest-suffix
// domain match (preferred) or a no-dots match, then decide whether that
// match's modifiers answer the query locally.
func selectLocal(set *ServerSet, nodotsLocal bool, qtype uint16, qdomain string) LocalFlags {
	qdomain = canon(qdomain)
	hasDot := strings.Contains(qdomain, ".")

	var (
		matched     bool
		matchedKind Kind
		matchedDom  string
		matchLen    = -1
		winner      *Upstream
	)

	for i := 0; i < set.Len(); i++ {
		u := set.At(i)

		switch {
		case u.Kind == KindForNoDots && matchedKind != KindHasDomain && !hasDot:
			// A nodots match only wins over another nodots match by being
			// first in configuration order (we never overwrite once one is
			// found), matching forward.c's `*type != SERV_HAS_DOMAIN` guard.
			if !matched || matchedKind != KindForNoDots {
				matched = true
				matchedKind = KindForNoDots
				matchedDom = ""
				winner = u
			}

		case u.Kind == KindHasDomain:
			dl := len(u.Domain)
			if len(qdomain) >= dl && hostnameEqual(qdomain[len(qdomain)-dl:], u.Domain) && dl >= matchLen {
				matched = true
				matchedKind = KindHasDomain
				matchedDom = u.Domain
				matchLen = dl
				winner = u
			}
		}
	}

	var out LocalFlags
	out.Kind = matchedKind
	out.Domain = matchedDom

	if matched && winner != nil {
		switch {
		case winner.Mod&ModNoAddr != 0:
			out.NoError = true
			return out
		case winner.Mod&ModLiteralAddress != 0:
			if qtype == addrTypeFlag(winner.Literal) || matchedKind == KindHasDomain {
				out.Literal = winner.Literal
				out.HasLiteral = true
				return out
			}
		}
		// Matched a plain (non-answering) entry: fall through to forwarding,
		// restricted to Kind/Domain.
		return out
	}

	if qtype != 0 && nodotsLocal && !hasDot {
		out.NXDomain = true
	}

	return out
}

// buildLocalReply builds the reply for a query lf.answerLocally() has already
// approved, the Go analogue of forward.c's `setup_reply`, shared identically
// by the UDP and TCP request paths (spec.md §4.B) so the two transports never
// diverge on what a locally-answered query gets back.
func buildLocalReply(req *dns.Msg, lf LocalFlags) *dns.Msg {
	q := req.Question[0]
	resp := new(dns.Msg)

	switch {
	case lf.NXDomain:
		resp.SetRcode(req, dns.RcodeNameError)
	case lf.HasLiteral:
		resp.SetReply(req)
		if q.Qtype == dns.TypeA && lf.Literal.Is4() {
			resp.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
				A:   lf.Literal.AsSlice(),
			}}
		} else if q.Qtype == dns.TypeAAAA && !lf.Literal.Is4() {
			resp.Answer = []dns.RR{&dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
				AAAA: lf.Literal.AsSlice(),
			}}
		}
	default:
		resp.SetRcode(req, dns.RcodeSuccess)
	}

	return resp
}

// addrTypeFlag returns dns.TypeA or dns.TypeAAAA depending on addr's family,
// the Go analogue of forward.c's F_IPV4/F_IPV6 sflag.
func addrTypeFlag(addr netip.Addr) uint16 {
	if addr.Is4() || addr.Is4In6() {
		return dns.TypeA
	}
	return dns.TypeAAAA
}

// canon lowercases and strips a single trailing dot, matching the
// hostname-equality semantics dnsmasq applies to QNAMEs and configured
// domains alike.
func canon(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".")
}

// hostnameEqual reports whether a and b are the same hostname, matching
// forward.c's `hostname_isequal` (case-insensitive, no other normalization).
func hostnameEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// forwardPlan is the result of planning where to start the forward-time
// ring-walk (spec.md §4.D).
type forwardPlan struct {
	start       int // index into the ServerSet to start the ring-walk at
	forwardAll  bool
	kind        Kind
	domain      string
}

// planForward decides the ring-walk starting point and fan-out mode, given
// the local-selection result, the option flags, and whether this is a
// retransmit of an in-flight query (in which case spec.md §4.D/S3 mandates
// unconditional fan-out unless strict order is set).
func planForward(set *ServerSet, lf LocalFlags, order, retransmit bool) forwardPlan {
	p := forwardPlan{kind: lf.Kind, domain: lf.Domain}

	restricted := lf.Kind != KindPlain

	switch {
	case retransmit && !order:
		p.start = 0
		p.forwardAll = true
	case restricted || order:
		p.start = 0
	default:
		if last := set.LastServer(); last != nil {
			p.start = set.IndexOf(last)
		} else {
			p.start = 0
			p.forwardAll = true
		}
	}

	return p
}

// eligible reports whether u is a valid forwarding target under the plan:
// same kind, same domain when kind is KindHasDomain, and never a literal
// (literals never reach the wire, spec.md §4.D).
func (p forwardPlan) eligible(u *Upstream) bool {
	if u.Mod&ModLiteralAddress != 0 {
		return false
	}
	if u.Kind != p.kind {
		return false
	}
	if p.kind == KindHasDomain && !hostnameEqual(u.Domain, p.domain) {
		return false
	}
	return true
}
