package forward

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/beefsack/go-rate"
)

// Record is a forwarding-table entry (spec.md's `frec`): it correlates an
// outbound upstream query ID with the original client's address and ID.
type Record struct {
	// OrigID is the client-supplied transaction ID.
	OrigID uint16
	// NewID is the upstream-facing transaction ID; zero means the slot is
	// free.
	NewID uint16

	// Source is the client's socket address.
	Source netip.AddrPort
	// Dest is the local address the client's datagram was addressed to,
	// reused as the source address on reply.
	Dest netip.Addr
	// Iface is the ingress interface index (needed for IPv6 link-local
	// source pinning).
	Iface uint32

	// SentTo is the upstream entry this query was last forwarded to.
	SentTo *Upstream

	// Time is the wallclock of last use, for lazy expiry.
	Time time.Time
}

// free reports whether r's slot is unused.
func (r *Record) free() bool { return r.NewID == 0 }

// Table is the bounded, slab-backed forwarding table (spec.md §4.C). Records
// are never moved in memory: indices into records are stable for the life of
// the table, matching the "caller must not retain a reference across a
// dispatch that frees the slot" invariant via explicit Free calls instead.
type Table struct {
	// Size is FTABSIZ, the maximum number of live records.
	Size int
	// Timeout is TIMEOUT, the inactivity duration after which a live slot
	// may be reused under allocation pressure.
	Timeout time.Duration

	mu      sync.Mutex
	records []Record // len(records) <= Size; grows lazily

	// Abandoned counts records reused by GetNew while still live (DESIGN.md
	// Open Question 4).
	Abandoned uint64

	overflowLimiter *rate.RateLimiter
	logger          *slog.Logger
}

// NewTable constructs an empty table bounded at size live records, with
// inactivity timeout, and a warning logger rate-limited to once per logRate.
func NewTable(size int, timeout, logRate time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		Size:            size,
		Timeout:         timeout,
		records:         make([]Record, 0, max(size, 0)),
		overflowLimiter: rate.New(1, logRate),
		logger:          logger,
	}
}

// LookupByNew returns the live record whose NewID matches id (the upstream
// lookup key), or nil if none is live with that ID.
func (t *Table) LookupByNew(id uint16) *Record {
	if id == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		if t.records[i].NewID == id {
			return &t.records[i]
		}
	}
	return nil
}

// LookupBySender returns the live record matching (origID, src) — the client
// retry key — or nil if the client hasn't got an in-flight query.
func (t *Table) LookupBySender(origID uint16, src netip.AddrPort) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		r := &t.records[i]
		if !r.free() && r.OrigID == origID && r.Source == src {
			return r
		}
	}
	return nil
}

// GetNew implements spec.md's `get_new_frec`: prefer a free slot; else reuse
// the oldest live slot older than Timeout (silently abandoning its prior
// client); else grow the slab if under Size; else rate-limit an overflow
// warning and return nil.
func (t *Table) GetNew(now time.Time) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest *Record
	for i := range t.records {
		r := &t.records[i]
		if r.free() {
			r.Time = now
			return r
		}
		if oldest == nil || r.Time.Before(oldest.Time) {
			oldest = r
		}
	}

	if oldest != nil && now.Sub(oldest.Time) > t.Timeout {
		t.Abandoned++
		*oldest = Record{Time: now}
		return oldest
	}

	if len(t.records) < t.Size {
		t.records = append(t.records, Record{Time: now})
		return &t.records[len(t.records)-1]
	}

	if ok, _ := t.overflowLimiter.Try(); ok {
		t.logger.Warn("forwarding table overflow: check for server loops", "size", t.Size)
	}
	return nil
}

// Free marks r's slot unused.
func (t *Table) Free(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.NewID = 0
}

// Live reports the current number of in-flight records, for diagnostics.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.records {
		if !t.records[i].free() {
			n++
		}
	}
	return n
}

// Reset zeroes every live record's NewID, the Go analogue of forward.c's
// `forward_init` called on config reload. See SPEC_FULL.md "Supplemented
// features".
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		t.records[i].NewID = 0
	}
}

// AllocateID draws a cryptographically random, non-zero 16-bit ID that does
// not collide with any currently-live record's NewID (spec.md §4.C
// `allocate_id` / §6 `rand16`, which requires cryptographic quality to
// resist blind spoofing).
func (t *Table) AllocateID() uint16 {
	for {
		id := randomID()
		if id == 0 {
			continue
		}
		if t.LookupByNew(id) == nil {
			return id
		}
	}
}

// randomID draws a cryptographically random 16-bit value.
func randomID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, degrading to zero forces the caller's retry loop
		// to draw again rather than silently using weak randomness.
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}
