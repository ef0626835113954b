package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/service"
	"golang.org/x/sync/semaphore"
)

// Config holds the tunables named in spec.md §6, plus the option flags
// referenced throughout §4.
type Config struct {
	// FTABSize bounds the forwarding table (spec.md FTABSIZ).
	FTABSize int
	// Timeout is the forwarding-record inactivity expiry (spec.md TIMEOUT).
	Timeout time.Duration
	// LogRate bounds the overflow-warning rate (spec.md LOGRATE).
	LogRate time.Duration
	// EDNSPacketSize is the UDP receive buffer size and the announced EDNS
	// size (spec.md edns_pcktsz).
	EDNSPacketSize uint16

	// Order, when true, forces strict configuration-order forwarding
	// (OPT_ORDER).
	Order bool
	// NodotsLocal, when true, answers NXDOMAIN for unmatched single-label
	// names instead of forwarding them (OPT_NODOTS_LOCAL).
	NodotsLocal bool
	// NoWild, when true, disables source-address pinning on replies
	// (OPT_NOWILD): the engine was bound to a specific address already, so
	// ancillary destination tracking isn't needed.
	NoWild bool
	// NoNeg, when true, suppresses negative-caching effect reporting
	// (OPT_NO_NEG).
	NoNeg bool

	// InterfacePolicy restricts which ingress interfaces/destination
	// addresses UDP queries are accepted from (spec.md §4.E).
	InterfacePolicy InterfacePolicy

	// TCPIdleTimeout bounds how long a TCP connection handler will block on
	// a read before giving up (DESIGN.md Open Question 1).
	TCPIdleTimeout time.Duration
	// TCPMaxConns bounds simultaneous TCP connection-handler goroutines.
	TCPMaxConns int64
}

// InterfacePolicy implements spec.md §4.E's three configured lists.
type InterfacePolicy struct {
	// Names is the set of ingress interface names to accept from.
	Names []string
	// Addrs is the set of destination addresses to accept to.
	Addrs []netip.Addr
	// Except is the set of ingress interface names to always reject.
	Except []string
}

// Accept implements the predicate from spec.md §4.E.
func (p InterfacePolicy) Accept(ifaceName string, dst netip.Addr) bool {
	for _, ex := range p.Except {
		if ex == ifaceName {
			return false
		}
	}

	if len(p.Names) == 0 && len(p.Addrs) == 0 {
		return true
	}

	for _, n := range p.Names {
		if n == ifaceName {
			return true
		}
	}
	for _, a := range p.Addrs {
		if a == dst {
			return true
		}
	}
	return false
}

// Engine bundles the upstream server set, forwarding table, configuration,
// and external collaborators into a single value with no package-level
// mutable state (spec.md §9 Design Notes item 2: the Go substitute for
// dnsmasq's `static struct frec *frec_list`). A zero Engine is not usable;
// construct with [New].
type Engine struct {
	Config

	Servers *ServerSet
	Table   *Table
	Bogus   *WildcardDetector

	Answerer LocalAnswerer
	Results  ResultSink
	QueryLog QueryLogger

	logger *slog.Logger

	netctl netControl

	udpListeners []udpListener
	tcpListeners []tcpListener
	tcpSema      *semaphore.Weighted
}

// New constructs an Engine. logger may be nil, in which case [slog.Default]
// is used.
func New(cfg Config, servers *ServerSet, logger *slog.Logger) (*Engine, error) {
	if servers == nil || servers.Len() == 0 {
		return nil, errors.Error("forward: at least one upstream server is required")
	}
	if cfg.FTABSize <= 0 {
		return nil, fmt.Errorf("forward: FTABSize must be positive, got %d", cfg.FTABSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		Config:   cfg,
		Servers:  servers,
		Table:    NewTable(cfg.FTABSize, cfg.Timeout, cfg.LogRate, logger),
		Bogus:    NewWildcardDetector(nil),
		Answerer: &StaticAnswerer{},
		Results:  NoopResultSink{},
		QueryLog: NoopLogger{},
		logger:   logger,
		netctl:   defaultNetControl{},
	}

	return e, nil
}

var _ service.Interface = (*Engine)(nil)

// Start implements the [service.Interface] for *Engine: it begins serving
// every listener already opened by [Engine.ListenUDP] and [Engine.ListenTCP]
// in background goroutines.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.startUDP(ctx); err != nil {
		return fmt.Errorf("forward: starting udp listeners: %w", err)
	}
	if err := e.startTCP(ctx); err != nil {
		return fmt.Errorf("forward: starting tcp listeners: %w", err)
	}
	return nil
}

// Shutdown implements the [service.Interface] for *Engine: it closes every
// listener opened by [Engine.ListenUDP] and [Engine.ListenTCP], and every
// upstream socket.
func (e *Engine) Shutdown(context.Context) error {
	var errs []error
	for _, l := range e.udpListeners {
		if err := l.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range e.tcpListeners {
		if err := l.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.udpListeners = nil
	e.tcpListeners = nil
	e.Servers.CloseAll()

	if len(errs) > 0 {
		return fmt.Errorf("forward: closing listeners: %w", errors.Join(errs...))
	}
	return nil
}

// Stats reports diagnostic counters (DESIGN.md Open Question 4).
type Stats struct {
	Live      int
	Abandoned uint64
}

// Stats returns a snapshot of e's diagnostic counters.
func (e *Engine) Stats() Stats {
	return Stats{Live: e.Table.Live(), Abandoned: e.Table.Abandoned}
}
