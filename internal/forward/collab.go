package forward

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// LocalAnswerer is the out-of-scope local-answer collaborator (spec.md §6:
// `answer_request`). Engine calls it before ever considering forwarding;
// spec.md places the DNS answer cache and zone lookup behind this interface
// explicitly out of scope for this module.
type LocalAnswerer interface {
	// Answer attempts to answer req locally. ok is false on a miss, in which
	// case the engine proceeds to forward req upstream.
	Answer(req *dns.Msg) (resp *dns.Msg, ok bool)
}

// ResultSink receives the cache-side effects of a successfully processed
// upstream reply (spec.md §6: `extract_addresses`, `extract_neg_addrs`,
// `check_for_bogus_wildcard`'s positive path). The actual DNS answer cache
// is out of scope (spec.md §1); Engine only needs somewhere to report these
// effects.
type ResultSink interface {
	// Positive reports a NOERROR reply with at least one answer RR.
	Positive(resp *dns.Msg, now time.Time)
	// Negative reports a reply with no usable answer (NXDOMAIN, or NOERROR
	// with no answers) that should still populate negative caching, unless
	// the NoNeg option suppresses it.
	Negative(resp *dns.Msg, now time.Time)
}

// QueryLogger is spec.md §6's `log_query` telemetry hook.
type QueryLogger interface {
	LogQuery(name string, qtype uint16, addr netip.Addr, forwarded bool)
}

// StaticAnswerer is a minimal [LocalAnswerer] good enough to exercise the
// engine end-to-end without a real answer cache attached: every request is a
// miss unless its question name exactly matches a configured static record.
// It is explicitly not a re-implementation of the out-of-scope answer cache
// (no zone data, no wildcard matching, no TTL bookkeeping) — see DESIGN.md.
type StaticAnswerer struct {
	// Records maps a canonical (lowercase, no trailing dot) question name to
	// a canned reply builder.
	Records map[string]func(req *dns.Msg) *dns.Msg
}

// Answer implements [LocalAnswerer].
func (s *StaticAnswerer) Answer(req *dns.Msg) (*dns.Msg, bool) {
	if s == nil || len(req.Question) != 1 {
		return nil, false
	}
	build, ok := s.Records[canon(req.Question[0].Name)]
	if !ok {
		return nil, false
	}
	resp := build(req)
	resp.SetReply(req)
	return resp, true
}

// NoopResultSink discards every reported effect.
type NoopResultSink struct{}

// Positive implements [ResultSink].
func (NoopResultSink) Positive(*dns.Msg, time.Time) {}

// Negative implements [ResultSink].
func (NoopResultSink) Negative(*dns.Msg, time.Time) {}

// NoopLogger discards every query log line.
type NoopLogger struct{}

// LogQuery implements [QueryLogger].
func (NoopLogger) LogQuery(string, uint16, netip.Addr, bool) {}
