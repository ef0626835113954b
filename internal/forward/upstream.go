// Package forward implements the DNS forwarding engine: upstream selection,
// the in-flight forwarding table, and the UDP/TCP request loops that
// correlate client queries with upstream replies.
package forward

import (
	"net"
	"net/netip"
	"strings"
	"sync"
)

// Kind is the mutually exclusive upstream-matching mode of an [Upstream]
// entry.
type Kind uint8

// Kind values.
const (
	// KindPlain matches any query not claimed by a more specific upstream.
	KindPlain Kind = iota
	// KindForNoDots matches single-label (no-dot) names.
	KindForNoDots
	// KindHasDomain matches names ending in Upstream.Domain.
	KindHasDomain
)

// Modifier bits, orthogonal to Kind.
type Modifier uint8

// Modifier values.
const (
	// ModNoAddr answers locally with NOERROR/no-data rather than forwarding.
	ModNoAddr Modifier = 1 << iota
	// ModLiteralAddress answers locally with Upstream.Literal rather than
	// forwarding.
	ModLiteralAddress
)

// Upstream is one configured upstream nameserver entry. The zero value is not
// usable; construct with [NewUpstream].
type Upstream struct {
	// Addr is the upstream's socket address.
	Addr netip.AddrPort

	// Kind is this entry's matching mode.
	Kind Kind

	// Mod holds the orthogonal NO_ADDR / LITERAL_ADDRESS modifiers.
	Mod Modifier

	// Domain is the suffix this entry matches. Only meaningful when
	// Kind == KindHasDomain.
	Domain string

	// Literal is the fixed address returned when Mod&ModLiteralAddress is
	// set.
	Literal netip.Addr

	// mu guards udpConn and tcpConn, both opened lazily and closed and
	// reopened on error.
	mu      sync.Mutex
	udpConn net.Conn
	tcpConn net.Conn
}

// NewUpstream constructs a plain upstream bound to addr with no modifiers.
// Use the With* methods to configure kind/modifiers/domain before inserting
// it into a [ServerSet].
func NewUpstream(addr netip.AddrPort) *Upstream {
	return &Upstream{Addr: addr}
}

// WithForNoDots marks u as matching single-label queries.
func (u *Upstream) WithForNoDots() *Upstream {
	u.Kind = KindForNoDots
	return u
}

// WithDomain marks u as matching queries ending in domain.
func (u *Upstream) WithDomain(domain string) *Upstream {
	u.Kind = KindHasDomain
	u.Domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return u
}

// WithNoAddr marks u to answer NOERROR/no-data instead of forwarding.
func (u *Upstream) WithNoAddr() *Upstream {
	u.Mod |= ModNoAddr
	return u
}

// WithLiteral marks u to answer with addr instead of forwarding.
func (u *Upstream) WithLiteral(addr netip.Addr) *Upstream {
	u.Mod |= ModLiteralAddress
	u.Literal = addr
	return u
}

// udp returns u's dedicated, connected UDP socket, dialing one if necessary.
// Every query and reply for u goes through this single socket, distinct from
// the client-facing listening socket (spec.md §2/§4.F/§5 keep the two roles
// separate): because the socket is connect()-ed to u.Addr, the kernel
// delivers only datagrams actually sent by u, so a reply can never be
// confused with an ordinary client query arriving on the shared listener.
func (u *Upstream) udp(dial func(netip.AddrPort) (net.Conn, error)) (net.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.udpConn != nil {
		return u.udpConn, nil
	}

	c, err := dial(u.Addr)
	if err != nil {
		return nil, err
	}

	u.udpConn = c
	return c, nil
}

// closeUDP closes and clears u's dedicated UDP socket, so the next udp() call
// reconnects.
func (u *Upstream) closeUDP() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.udpConn != nil {
		_ = u.udpConn.Close()
		u.udpConn = nil
	}
}

// tcp returns the lazily-opened TCP connection for u, dialing one if
// necessary. It is safe for concurrent use, but in practice only the single
// TCP connection-handler goroutine servicing a ring-walk touches a given
// upstream's TCP socket at a time.
func (u *Upstream) tcp(dial func(netip.AddrPort) (net.Conn, error)) (net.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tcpConn != nil {
		return u.tcpConn, nil
	}

	c, err := dial(u.Addr)
	if err != nil {
		return nil, err
	}

	u.tcpConn = c
	return c, nil
}

// closeTCP closes and clears the lazily-opened TCP connection, so the next
// tcp() call reconnects.
func (u *Upstream) closeTCP() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tcpConn != nil {
		_ = u.tcpConn.Close()
		u.tcpConn = nil
	}
}

// ServerSet is the ordered, read-mostly list of configured upstreams.
// Configuration order is significant: it is both the ring-walk order and the
// tie-break order for otherwise-equal longest-suffix matches.
type ServerSet struct {
	servers []*Upstream

	// mu guards last, the only mutable field after construction.
	mu   sync.Mutex
	last int // index into servers of the sticky "last known good" server, -1 if unknown

	// plain caches the indices of Kind == KindPlain, non-literal entries,
	// scanned by the sticky-server promotion in reply_query's Go analogue
	// (udp.go). Per DESIGN.md Open Question 2, this remains a linear scan
	// over just the plain subset rather than an address-keyed map.
	plain []int
}

// NewServerSet builds a ServerSet from servers in configuration order.
func NewServerSet(servers []*Upstream) *ServerSet {
	s := &ServerSet{servers: servers, last: -1}
	for i, u := range servers {
		if u.Kind == KindPlain && u.Mod&ModLiteralAddress == 0 {
			s.plain = append(s.plain, i)
		}
	}
	return s
}

// Len returns the number of configured upstreams.
func (s *ServerSet) Len() int { return len(s.servers) }

// At returns the upstream at index i, ring-wrapped into range.
func (s *ServerSet) At(i int) *Upstream {
	n := len(s.servers)
	if n == 0 {
		return nil
	}
	return s.servers[((i%n)+n)%n]
}

// LastServer returns the current sticky "last known good" upstream, or nil if
// none is known yet.
func (s *ServerSet) LastServer() *Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last < 0 {
		return nil
	}
	return s.servers[s.last]
}

// SetLastServer updates the sticky "last known good" upstream to u. A nil u
// clears it.
func (s *ServerSet) SetLastServer(u *Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u == nil {
		s.last = -1
		return
	}
	for i, cand := range s.servers {
		if cand == u {
			s.last = i
			return
		}
	}
}

// PlainUpstreams returns the subset of servers with Kind == KindPlain and no
// literal-address modifier, in configuration order.
func (s *ServerSet) PlainUpstreams() []*Upstream {
	out := make([]*Upstream, len(s.plain))
	for i, idx := range s.plain {
		out[i] = s.servers[idx]
	}
	return out
}

// IndexOf returns the configuration-order index of u, or -1 if u is not a
// member of s.
func (s *ServerSet) IndexOf(u *Upstream) int {
	for i, cand := range s.servers {
		if cand == u {
			return i
		}
	}
	return -1
}

// CloseAll closes every upstream's lazily-opened UDP and TCP sockets. Call on
// engine shutdown so a forwarding engine never outlives its connections.
func (s *ServerSet) CloseAll() {
	for _, u := range s.servers {
		u.closeUDP()
		u.closeTCP()
	}
}
