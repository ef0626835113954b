package forward

import (
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampEDNS_ShrinksOversizedAdvertisement(t *testing.T) {
	resp := new(dns.Msg)
	resp.SetEdns0(4096, false)

	clampEDNS(resp, 1232)

	assert.Equal(t, uint16(1232), resp.IsEdns0().UDPSize())
}

func TestClampEDNS_IdempotentBelowLimit(t *testing.T) {
	resp := new(dns.Msg)
	resp.SetEdns0(512, false)

	clampEDNS(resp, 1232)

	assert.Equal(t, uint16(512), resp.IsEdns0().UDPSize(), "a reply already under the limit must be left untouched")
}

func TestClampEDNS_NoOptRR(t *testing.T) {
	resp := new(dns.Msg)
	assert.NotPanics(t, func() { clampEDNS(resp, 1232) })
}

type recordingSink struct {
	mu       sync.Mutex
	positive int
	negative int
}

func (s *recordingSink) Positive(*dns.Msg, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positive++
}

func (s *recordingSink) Negative(*dns.Msg, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negative++
}

func newTestEngine(t *testing.T) (*Engine, *recordingSink) {
	t.Helper()

	set := NewServerSet([]*Upstream{NewUpstream(netip.MustParseAddrPort("203.0.113.1:53"))})
	e, err := New(Config{FTABSize: 8, Timeout: time.Minute, LogRate: time.Second, EDNSPacketSize: 1232}, set, slog.Default())
	require.NoError(t, err)

	sink := &recordingSink{}
	e.Results = sink
	return e, sink
}

func TestProcessReply_PositiveAnswerReported(t *testing.T) {
	e, sink := newTestEngine(t)

	resp := new(dns.Msg)
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET}}}

	ok := e.processReply(resp, "203.0.113.1:53", time.Now(), slog.Default())

	assert.True(t, ok)
	assert.Equal(t, 1, sink.positive)
	assert.Equal(t, 0, sink.negative)
}

func TestProcessReply_NegativeReportedUnlessSuppressed(t *testing.T) {
	e, sink := newTestEngine(t)

	resp := new(dns.Msg)
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeNameError

	ok := e.processReply(resp, "203.0.113.1:53", time.Now(), slog.Default())

	assert.True(t, ok)
	assert.Equal(t, 1, sink.negative)

	e.Config.NoNeg = true
	sink.negative = 0
	ok = e.processReply(resp, "203.0.113.1:53", time.Now(), slog.Default())
	assert.True(t, ok)
	assert.Equal(t, 0, sink.negative, "NoNeg must suppress negative reporting")
}

func TestProcessReply_NonRecursiveUpstreamDropped(t *testing.T) {
	e, _ := newTestEngine(t)

	resp := new(dns.Msg)
	resp.RecursionAvailable = false
	resp.Rcode = dns.RcodeSuccess

	ok := e.processReply(resp, "203.0.113.1:53", time.Now(), slog.Default())

	assert.False(t, ok)
}

func TestProcessReply_BogusWildcardDropped(t *testing.T) {
	e, sink := newTestEngine(t)
	e.Bogus = NewWildcardDetector([]netip.Addr{netip.MustParseAddr("198.51.100.5")})

	resp := new(dns.Msg)
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   netip.MustParseAddr("198.51.100.5").AsSlice(),
	}}

	ok := e.processReply(resp, "203.0.113.1:53", time.Now(), slog.Default())

	assert.False(t, ok)
	assert.Equal(t, 0, sink.positive)
}
