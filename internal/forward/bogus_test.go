package forward

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestWildcardDetector_Bogus(t *testing.T) {
	bogusAddr := netip.MustParseAddr("198.51.100.5")
	d := NewWildcardDetector([]netip.Addr{bogusAddr})

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("198.51.100.5"),
	}}

	assert.True(t, d.Bogus(resp))
}

func TestWildcardDetector_NotBogus(t *testing.T) {
	d := NewWildcardDetector([]netip.Addr{netip.MustParseAddr("198.51.100.5")})

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("203.0.113.9"),
	}}

	assert.False(t, d.Bogus(resp))
}

func TestWildcardDetector_EmptyNeverBogus(t *testing.T) {
	d := NewWildcardDetector(nil)

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("198.51.100.5"),
	}}

	assert.False(t, d.Bogus(resp))
}

func TestWildcardDetector_NilReceiver(t *testing.T) {
	var d *WildcardDetector
	assert.False(t, d.Bogus(new(dns.Msg)))
}
