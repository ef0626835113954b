// Package config loads the forwarding engine's command-line and YAML
// configuration into an [internal/forward.Config] and [forward.ServerSet].
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/0neday/dnsmasq/internal/forward"
)

// Options represents the command-line and YAML-file configuration surface.
// Flags passed on the command line override whatever was loaded from
// ConfigPath, matching the teacher's layering.
type Options struct {
	// ConfigPath is a YAML file holding any subset of these options. Read
	// without goFlags so its values don't fight with goFlags' own defaults.
	ConfigPath string `long:"config-path" description:"YAML configuration file." default:""`

	// ListenAddrs are the UDP/TCP addresses to listen for client queries on.
	ListenAddrs []string `yaml:"listen-addrs" short:"l" long:"listen" description:"Listening addresses (host:port), used for both UDP and TCP" required:"true"`

	// Upstreams configures the upstream server list (spec.md §2): plain
	// entries, "/domain/server" entries, and "/#/" for-nodots entries, in
	// forward.c syntax.
	Upstreams []string `yaml:"upstream" short:"u" long:"upstream" description:"An upstream server, optionally scoped with /domain/ or /#/ syntax. Can be specified multiple times." required:"true"`

	// BogusNXDomain flags upstream replies containing these addresses as
	// bogus wildcard answers (spec.md §4.F step 3).
	BogusNXDomain []string `yaml:"bogus-nxdomain" long:"bogus-nxdomain" description:"Addresses that mark an upstream NOERROR reply as bogus, can be specified multiple times."`

	// FTABSize bounds the forwarding table (spec.md FTABSIZ).
	FTABSize int `yaml:"ftab-size" long:"ftab-size" description:"Maximum number of in-flight forwarded queries." default:"150"`

	// Timeout is the forwarding-record inactivity expiry, in a
	// human-readable duration form (spec.md TIMEOUT).
	Timeout string `yaml:"timeout" long:"timeout" description:"Forwarding record inactivity timeout." default:"10s"`

	// LogRate bounds the forwarding-table overflow warning rate (spec.md
	// LOGRATE).
	LogRate string `yaml:"log-rate" long:"log-rate" description:"Minimum interval between forwarding-table-overflow warnings." default:"1s"`

	// EDNSPacketSize is the UDP receive buffer size and announced EDNS(0)
	// size.
	EDNSPacketSize int `yaml:"edns-packet-size" long:"edns-packet-size" description:"EDNS(0) UDP buffer size to advertise and clamp replies to." default:"1232"`

	// TCPIdleTimeout bounds how long a TCP connection handler will block on
	// an idle read.
	TCPIdleTimeout string `yaml:"tcp-idle-timeout" long:"tcp-idle-timeout" description:"Idle timeout for TCP client connections." default:"2s"`

	// TCPMaxConns bounds concurrent TCP connection-handler goroutines.
	TCPMaxConns int64 `yaml:"tcp-max-conns" long:"tcp-max-conns" description:"Maximum number of simultaneous TCP client connections." default:"256"`

	// Order, when true, forces strict configuration-order forwarding
	// instead of sticky last-known-good (spec.md OPT_ORDER).
	Order bool `yaml:"order" long:"order" description:"Always forward in configuration order, ignoring the sticky last-known-good server." optional:"yes" optional-value:"true"`

	// NodotsLocal, when true, answers NXDOMAIN for single-label names that
	// don't match any configured upstream (spec.md OPT_NODOTS_LOCAL).
	NodotsLocal bool `yaml:"nodots-local" long:"nodots-local" description:"Answer NXDOMAIN, instead of forwarding, for unmatched single-label names." optional:"yes" optional-value:"true"`

	// NoNeg suppresses negative-caching effect reporting (spec.md
	// OPT_NO_NEG).
	NoNeg bool `yaml:"no-negcache" long:"no-negcache" description:"Disable negative caching effect reporting." optional:"yes" optional-value:"true"`

	// NoWild disables ancillary-data source pinning, for single-address
	// binds where it isn't needed (spec.md OPT_NOWILD).
	NoWild bool `yaml:"no-wildcard" long:"no-wildcard" description:"Disable source-address pinning on replies." optional:"yes" optional-value:"true"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose" short:"v" long:"verbose" description:"Verbose (debug) logging." optional:"yes" optional-value:"true"`

	// LogOutput is a file path to log to; stdout if empty.
	LogOutput string `yaml:"output" short:"o" long:"output" description:"Path to the log file. If not set, write to stdout."`
}

// Parse parses os.Args into an [Options], first applying any ConfigPath YAML
// file found via a manual pre-scan (mirroring the teacher's two-stage
// handling so flag values always win over file values).
func Parse(args []string) (*Options, error) {
	opts := &Options{}

	for _, arg := range args {
		const prefix = "--config-path="
		if strings.HasPrefix(arg, prefix) {
			path := strings.TrimPrefix(arg, prefix)
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(b, opts); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	parser := goFlags.NewParser(opts, goFlags.Default)
	if _, err := parser.ParseArgs(args[1:]); err != nil {
		return nil, err
	}

	return opts, nil
}

// BuildEngineConfig translates o into a [forward.Config]. It does not build
// the [forward.ServerSet]; call [BuildServerSet] separately.
func (o *Options) BuildEngineConfig() (forward.Config, error) {
	timeout, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return forward.Config{}, fmt.Errorf("parsing timeout: %w", err)
	}

	logRate, err := time.ParseDuration(o.LogRate)
	if err != nil {
		return forward.Config{}, fmt.Errorf("parsing log-rate: %w", err)
	}

	tcpIdle, err := time.ParseDuration(o.TCPIdleTimeout)
	if err != nil {
		return forward.Config{}, fmt.Errorf("parsing tcp-idle-timeout: %w", err)
	}

	if o.EDNSPacketSize <= 0 || o.EDNSPacketSize > 65535 {
		return forward.Config{}, fmt.Errorf("edns-packet-size out of range: %d", o.EDNSPacketSize)
	}

	return forward.Config{
		FTABSize:       o.FTABSize,
		Timeout:        timeout,
		LogRate:        logRate,
		EDNSPacketSize: uint16(o.EDNSPacketSize),
		Order:          o.Order,
		NodotsLocal:    o.NodotsLocal,
		NoWild:         o.NoWild,
		NoNeg:          o.NoNeg,
		TCPIdleTimeout: tcpIdle,
		TCPMaxConns:    o.TCPMaxConns,
	}, nil
}

// BuildServerSet parses o.Upstreams into a [forward.ServerSet], using
// dnsmasq's `/domain/server` and `/#/server` prefix syntax (spec.md §2).
func (o *Options) BuildServerSet() (*forward.ServerSet, error) {
	servers := make([]*forward.Upstream, 0, len(o.Upstreams))

	for _, spec := range o.Upstreams {
		up, err := parseUpstreamSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream %q: %w", spec, err)
		}
		servers = append(servers, up)
	}

	return forward.NewServerSet(servers), nil
}

// BuildBogusAddrs parses o.BogusNXDomain into addresses for
// [forward.NewWildcardDetector].
func (o *Options) BuildBogusAddrs() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(o.BogusNXDomain))
	for _, s := range o.BogusNXDomain {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("parsing bogus-nxdomain address %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseUpstreamSpec parses one upstream entry in forward.c syntax:
//
//	1.2.3.4                 plain upstream
//	/example.com/1.2.3.4:53 upstream scoped to a domain suffix (the port is
//	                        required: a bare address is a literal, below)
//	/example.com/10.0.0.9   answer locally with the literal address 10.0.0.9
//	/#/1.2.3.4              upstream scoped to single-label (no-dot) names
//	/example.com/           answer NOERROR/no-data for the domain, no server
//	/example.com/#          answer with the literal address "#" (unsupported
//	                        here; use an explicit literal address instead)
func parseUpstreamSpec(spec string) (*forward.Upstream, error) {
	if !strings.HasPrefix(spec, "/") {
		addr, err := parseUpstreamAddr(spec)
		if err != nil {
			return nil, err
		}
		return forward.NewUpstream(addr), nil
	}

	parts := strings.SplitN(spec[1:], "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed scoped upstream: %q", spec)
	}
	domain, rest := parts[0], parts[1]

	if rest == "" {
		if domain == "#" {
			return forward.NewUpstream(netip.AddrPort{}).WithForNoDots().WithNoAddr(), nil
		}
		return forward.NewUpstream(netip.AddrPort{}).WithDomain(domain).WithNoAddr(), nil
	}

	if literal, err := netip.ParseAddr(rest); err == nil && domain != "#" {
		return forward.NewUpstream(netip.AddrPort{}).WithDomain(domain).WithLiteral(literal), nil
	}

	addr, err := parseUpstreamAddr(rest)
	if err != nil {
		return nil, err
	}

	up := forward.NewUpstream(addr)
	if domain == "#" {
		return up.WithForNoDots(), nil
	}
	return up.WithDomain(domain), nil
}

// parseUpstreamAddr parses host[:port], defaulting to port 53.
func parseUpstreamAddr(s string) (netip.AddrPort, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, "53")
	}
	return netip.ParseAddrPort(s)
}
