package forward

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestSelectLocal_LongestSuffixWins(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")).WithDomain("example.com"),
		NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")).WithDomain("dev.example.com"),
	})

	lf := selectLocal(set, false, dns.TypeA, "host.dev.example.com")

	assert.Equal(t, KindHasDomain, lf.Kind)
	assert.Equal(t, "dev.example.com", lf.Domain, "the more specific domain suffix must win over the shorter one")
}

func TestSelectLocal_NoAddrAnswersLocally(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")).WithDomain("blocked.example").WithNoAddr(),
	})

	lf := selectLocal(set, false, dns.TypeA, "host.blocked.example")

	assert.True(t, lf.answerLocally())
	assert.True(t, lf.NoError)
}

func TestSelectLocal_LiteralAddress(t *testing.T) {
	literal := netip.MustParseAddr("198.51.100.7")
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")).WithDomain("pinned.example").WithLiteral(literal),
	})

	lf := selectLocal(set, false, dns.TypeA, "pinned.example")

	assert.True(t, lf.HasLiteral)
	assert.Equal(t, literal, lf.Literal)
}

func TestSelectLocal_NodotsLocalRejectsUnmatchedSingleLabel(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")),
	})

	lf := selectLocal(set, true, dns.TypeA, "intranet")

	assert.True(t, lf.NXDomain)
}

func TestSelectLocal_NodotsRoutesToForNoDotsUpstream(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")).WithForNoDots(),
		NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")),
	})

	lf := selectLocal(set, true, dns.TypeA, "intranet")

	assert.Equal(t, KindForNoDots, lf.Kind)
	assert.False(t, lf.answerLocally())
}

func TestPlanForward_RetransmitForcesForwardAll(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")),
		NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")),
	})

	plan := planForward(set, LocalFlags{}, false, true)

	assert.True(t, plan.forwardAll)
}

func TestPlanForward_StickyStartsAtLastServer(t *testing.T) {
	set := NewServerSet([]*Upstream{
		NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")),
		NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")),
	})
	set.SetLastServer(set.At(1))

	plan := planForward(set, LocalFlags{}, false, false)

	assert.Equal(t, 1, plan.start)
	assert.False(t, plan.forwardAll)
}

func TestForwardPlan_EligibleRejectsLiteralAndMismatchedDomain(t *testing.T) {
	literalUp := NewUpstream(netip.MustParseAddrPort("203.0.113.1:53")).WithLiteral(netip.MustParseAddr("198.51.100.1"))
	domainUp := NewUpstream(netip.MustParseAddrPort("203.0.113.2:53")).WithDomain("example.com")

	plan := forwardPlan{kind: KindHasDomain, domain: "example.com"}

	assert.False(t, plan.eligible(literalUp))
	assert.True(t, plan.eligible(domainUp))
}
