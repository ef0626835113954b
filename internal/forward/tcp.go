package forward

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

// tcpListener is a bound TCP socket the engine accepts client connections on.
type tcpListener struct {
	ln net.Listener
}

// ListenTCP adds a TCP listener bound to addr. Call before Start.
func (e *Engine) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.tcpListeners = append(e.tcpListeners, tcpListener{ln: ln})
	return nil
}

func (e *Engine) startTCP(ctx context.Context) error {
	if e.tcpSema == nil {
		max := e.Config.TCPMaxConns
		if max <= 0 {
			max = 256
		}
		e.tcpSema = semaphore.NewWeighted(max)
	}

	for _, l := range e.tcpListeners {
		go e.tcpAcceptLoop(ctx, l)
	}
	return nil
}

// tcpAcceptLoop accepts connections and spawns a handler per connection,
// gated by e.tcpSema (the Go substitute for dnsmasq's per-connection fork,
// spec.md §5/§9 Design Notes item 2).
func (e *Engine) tcpAcceptLoop(ctx context.Context, l tcpListener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("tcp accept failed", "error", err)
			continue
		}

		if err := e.tcpSema.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return
		}

		go func() {
			defer e.tcpSema.Release(1)
			e.tcpHandleConn(conn)
		}()
	}
}

// tcpHandleConn implements spec.md §4.G's `tcp_request`: read each
// length-prefixed query from conn, answer locally or forward synchronously
// to the eligible ring of upstreams (falling over to the next upstream on a
// connect/write/read failure), and write the length-prefixed reply back.
// One client connection is serviced entirely by this goroutine; there is no
// cross-connection sharing of forwarding-table state, since a TCP exchange
// blocks for its own reply rather than being interleaved with UDP replies.
func (e *Engine) tcpHandleConn(conn net.Conn) {
	defer conn.Close()

	idle := e.Config.TCPIdleTimeout
	if idle <= 0 {
		idle = 2 * time.Second
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}

		req, err := readTCPMsg(conn)
		if err != nil {
			return
		}
		if len(req.Question) == 0 || req.Response {
			continue
		}

		resp := e.resolveTCP(req)
		if resp == nil {
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		if err := writeTCPMsg(conn, resp); err != nil {
			return
		}
	}
}

// resolveTCP answers req locally, or forwards it synchronously, walking the
// eligible upstream ring (spec.md §4.D/§4.G) until one of them replies or
// every eligible upstream has failed. When every eligible upstream failed to
// connect, write, or reply in time, it returns a SERVFAIL reply. It returns
// nil when no upstream is eligible or when processReply drops the upstream's
// reply, in which case the caller drops the client connection.
func (e *Engine) resolveTCP(req *dns.Msg) *dns.Msg {
	q := req.Question[0]

	e.QueryLog.LogQuery(q.Name, q.Qtype, netip.Addr{}, false)

	if resp, ok := e.Answerer.Answer(req); ok {
		return resp
	}

	lf := selectLocal(e.Servers, e.Config.NodotsLocal, q.Qtype, q.Name)
	if lf.answerLocally() {
		return buildLocalReply(req, lf)
	}

	plan := planForward(e.Servers, lf, e.Config.Order, false)

	tried := false
	for i := 0; i < e.Servers.Len(); i++ {
		up := e.Servers.At(plan.start + i)
		if !plan.eligible(up) {
			continue
		}
		tried = true

		resp, err := e.exchangeTCP(up, req)
		if err != nil {
			e.logger.Debug("tcp upstream exchange failed, trying next", "upstream", up.Addr, "error", err)
			up.closeTCP()
			continue
		}

		e.Servers.SetLastServer(up)
		if !e.processReply(resp, up.Addr.String(), time.Now(), e.logger) {
			return nil
		}
		return resp
	}

	if !tried {
		return nil
	}

	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	return resp
}

// exchangeTCP performs one synchronous query/reply round trip against up's
// lazily-opened TCP connection (spec.md §4.G).
func (e *Engine) exchangeTCP(up *Upstream, req *dns.Msg) (*dns.Msg, error) {
	c, dialErr := up.tcp(dialTCPUpstream)
	if dialErr != nil {
		return nil, dialErr
	}

	idle := e.Config.TCPIdleTimeout
	if idle <= 0 {
		idle = 2 * time.Second
	}
	if err := c.SetDeadline(time.Now().Add(idle)); err != nil {
		return nil, err
	}

	if err := writeTCPMsg(c, req); err != nil {
		return nil, err
	}

	resp, err := readTCPMsg(c)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dialTCPUpstream opens a new TCP connection to addr, the dial function
// passed to [Upstream.tcp].
func dialTCPUpstream(addr netip.AddrPort) (net.Conn, error) {
	return net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(addr))
}

func readTCPMsg(r io.Reader) (*dns.Msg, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeTCPMsg(w io.Writer, msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packed)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(packed)
	return err
}
