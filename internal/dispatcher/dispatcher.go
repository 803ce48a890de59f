// Package dispatcher implements the end-to-end session pipeline: admit,
// sniff, route, acquire an outbound, connect (through a circuit breaker
// and retry policy), register, relay, and clean up.
package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"proxykernel/internal/addr"
	"proxykernel/internal/dnsresolver"
	"proxykernel/internal/outbound"
	"proxykernel/internal/relay"
	"proxykernel/internal/resilience"
	"proxykernel/internal/router"
	"proxykernel/internal/session"
	"proxykernel/internal/sniffer"
	"proxykernel/internal/tracker"
)

// netipFromIP converts a net.IP (as returned by dnsresolver.Resolve) to
// netip.Addr, normalizing 4-in-6 representations of IPv4 addresses.
func netipFromIP(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		return netip.AddrFrom4([4]byte(v4))
	}
	if v16 := ip.To16(); v16 != nil {
		return netip.AddrFrom16([16]byte(v16))
	}
	return netip.Addr{}
}

// sniffPeekBytes bounds how much of the stream the sniffer inspects.
const sniffPeekBytes = 4096

// Config holds the tunables for a Dispatcher; all fields have sane
// zero-value-safe defaults applied by New.
type Config struct {
	SniffTimeout   time.Duration
	ConnectTimeout time.Duration
	RetryPolicy    resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.SniffTimeout <= 0 {
		c.SniffTimeout = 200 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryPolicy.MaxRetries == 0 && c.RetryPolicy.BaseDelay == 0 {
		c.RetryPolicy = resilience.DefaultRetryPolicy()
	}
	return c
}

// Dispatcher wires the tracker, router, outbound manager and resilience
// registry into the single-session Dispatch operation.
type Dispatcher struct {
	cfg        Config
	tracker    *tracker.Tracker
	router     *router.Router
	outbounds  *outbound.Manager
	breakers   *resilience.Registry
	resolver   *dnsresolver.Resolver
	fakeIPPool *dnsresolver.FakeIPPool
}

// New builds a Dispatcher over already-constructed subsystems.
func New(t *tracker.Tracker, r *router.Router, ob *outbound.Manager, breakers *resilience.Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		tracker:   t,
		router:    r,
		outbounds: ob,
		breakers:  breakers,
	}
}

// WithDNS attaches the resolver (for domain targets protocols like
// WireGuard/MASQUE can't resolve themselves) and the fake-IP pool (for
// split routing: a fake-IP session target is rewritten back to its domain
// before routing, so domain-based rules still match). Either may be nil.
func (d *Dispatcher) WithDNS(resolver *dnsresolver.Resolver, pool *dnsresolver.FakeIPPool) *Dispatcher {
	d.resolver = resolver
	d.fakeIPPool = pool
	return d
}

// peekableStream lets the sniffer inspect buffered bytes through
// bufio.Reader.Peek while leaving them unconsumed for the relay that
// follows; Write/Close still go straight to the underlying stream.
type peekableStream struct {
	session.ByteStream
	br *bufio.Reader
}

func (p *peekableStream) Read(b []byte) (int, error) { return p.br.Read(b) }

// Dispatch runs one session through the full pipeline. Network-facing
// errors are wrapped in *Error so callers can branch on Kind.
func (d *Dispatcher) Dispatch(ctx context.Context, client session.ByteStream, sess *session.Session) error {
	// 1. Admission.
	if !d.tracker.Admit() {
		return newError(AdmissionRefused, fmt.Errorf("max connections reached"))
	}
	id := d.tracker.NewID()
	registered := false
	cleanup := func() {
		if registered {
			d.tracker.Remove(id)
		} else {
			d.tracker.Release()
		}
	}

	// 2. Sniffing.
	stream := client
	if sess.Sniff {
		br := bufio.NewReaderSize(client, sniffPeekBytes)
		// One read bounded by SniffTimeout: the sniffer sees whatever the
		// client's first write delivered.
		dl, hasDeadline := client.(interface{ SetReadDeadline(time.Time) error })
		if hasDeadline {
			dl.SetReadDeadline(time.Now().Add(d.cfg.SniffTimeout))
		}
		br.Peek(1)
		if hasDeadline {
			dl.SetReadDeadline(time.Time{})
		}
		if br.Buffered() == 0 {
			// nothing arrived in time; drop the reader holding the read error
			br = bufio.NewReaderSize(client, sniffPeekBytes)
		}
		peek, _ := br.Peek(br.Buffered())
		if len(peek) > 0 {
			var res sniffer.Result
			var ok bool
			if sess.Network == addr.UDP {
				res, ok = sniffer.DetectUDP(peek)
			} else {
				res, ok = sniffer.DetectTCP(peek)
			}
			if ok {
				sess.DetectedProtocol = string(res.Protocol)
				if res.Host != "" {
					sess.Target = sess.Target.WithHost(res.Host)
				}
			}
		}
		stream = &peekableStream{ByteStream: client, br: br}
	}

	// 3. Fake-IP split routing: a session whose target is a fake address
	// is rewritten to the domain it stands for, so domain-based rules
	// match the same as they would against a real lookup (spec's "fake-IP
	// split routing").
	if d.fakeIPPool != nil && !sess.Target.IsDomain() {
		if domain, ok := d.fakeIPPool.Lookup(sess.Target.IP); ok {
			sess.Target = sess.Target.WithHost(domain)
		}
	}

	// 4. Routing.
	tag := d.router.Route(sess)
	if tag == "" {
		cleanup()
		return newError(RouteNotFound, fmt.Errorf("no matching rule and no default outbound"))
	}

	// 5. Outbound acquisition.
	handler, ok := d.outbounds.Get(tag)
	if !ok {
		cleanup()
		return newError(OutboundMissing, fmt.Errorf("outbound %q not found", tag))
	}

	// 6. Circuit breaker gate.
	breaker := d.breakers.Get(tag)
	if err := breaker.Allow(); err != nil {
		cleanup()
		return newError(CircuitOpen, err)
	}

	// 7. Outbound connect, with deadline and retry. A handler that can't
	// dial a domain target itself (WireGuard, MASQUE: the tunnel is the
	// only path to the peer's network) reports it by failing Connect; on
	// that failure, with a resolver configured, resolve once and retry
	// with an IP target rather than giving up.
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	var remote session.ByteStream
	resolvedOnce := false
	connectErr := d.cfg.RetryPolicy.Do(func(attempt int) error {
		s, err := handler.Connect(connectCtx, sess)
		if err != nil {
			if !resolvedOnce && d.resolver != nil && sess.Target.IsDomain() {
				resolvedOnce = true
				if ip, rerr := d.resolver.Resolve(connectCtx, sess.Target.Domain); rerr == nil {
					if resolved, aerr := addr.NewIP(netipFromIP(ip), sess.Target.Port); aerr == nil {
						sess.Target = resolved
					}
				}
			}
			return err
		}
		remote = s
		return nil
	})
	cancel()
	if connectErr != nil {
		breaker.RecordFailure()
		cleanup()
		return newError(OutboundConnectFailed, connectErr)
	}
	breaker.RecordSuccess()

	// 8. Registration.
	conn := &tracker.Connection{
		ID:               id,
		InboundTag:       sess.InboundTag,
		OutboundTag:      tag,
		Target:           sess.Target,
		Source:           sess.Source,
		HasSource:        sess.HasSource,
		Network:          sess.Network,
		DetectedProtocol: sess.DetectedProtocol,
	}
	d.tracker.Register(conn)
	registered = true

	// 9. Relay.
	relayErr := relay.Run(stream, remote, relay.Counters{
		Upload:   conn.AddUpload,
		Download: conn.AddDownload,
	}, relay.Limiters{})

	// 10. Cleanup.
	cleanup()
	_ = remote.Close()
	_ = stream.Close()

	if relayErr != nil {
		return newError(RelayIoError, relayErr)
	}
	return nil
}
