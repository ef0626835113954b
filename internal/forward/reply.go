package forward

import (
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

// clampEDNS enforces spec.md §4.F step 1: if resp advertises a UDP buffer
// size larger than ednsPacketSize, rewrite it down so the client never sees
// an advertisement bigger than what we accept. Idempotent: a reply already
// at or below ednsPacketSize is left byte-for-byte equivalent (spec.md §8
// property 7).
func clampEDNS(resp *dns.Msg, ednsPacketSize uint16) {
	opt := resp.IsEdns0()
	if opt == nil {
		return
	}
	if opt.UDPSize() > ednsPacketSize {
		opt.SetUDPSize(ednsPacketSize)
	}
}

// processReply implements spec.md §4.F's `process_reply`: EDNS clamp,
// non-recursive-upstream detection, bogus-wildcard gate, and cache-effect
// dispatch. It reports whether resp should be delivered to the client; a
// false return means the reply must be dropped (the forwarding record still
// expires via timeout, per spec.md §7).
func (e *Engine) processReply(resp *dns.Msg, serverAddr string, now time.Time, logger *slog.Logger) bool {
	clampEDNS(resp, e.Config.EDNSPacketSize)

	if !resp.RecursionAvailable && resp.Rcode == dns.RcodeSuccess && len(resp.Answer) == 0 {
		logger.Warn("nameserver refused to do a recursive query", "server", serverAddr)
		return false
	}

	if resp.Opcode == dns.OpcodeQuery &&
		(resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError) {
		bogus := resp.Rcode == dns.RcodeSuccess && e.Bogus.Bogus(resp)
		if !bogus {
			switch {
			case resp.Rcode == dns.RcodeSuccess && len(resp.Answer) != 0:
				e.Results.Positive(resp, now)
			case !e.Config.NoNeg:
				e.Results.Negative(resp, now)
			}
		} else {
			return false
		}
	}

	return true
}
