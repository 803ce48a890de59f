// Package dnsresolver resolves domain names for sessions the router or an
// outbound cannot dial by domain directly. It speaks plain UDP/TCP, DNS-
// over-TLS, and DNS-over-HTTPS upstreams via github.com/miekg/dns, caches
// answers by their own TTL, and — when fake-IP mode is enabled — hands out
// synthetic addresses from a private pool so the router can classify a
// flow before the real address is known, deferring the real lookup until
// an outbound actually dials.
package dnsresolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Upstream is one configured resolver endpoint. Scheme selects the
// transport: "udp" (default), "tcp", "tls" (DoT), or "https" (DoH).
type Upstream struct {
	Scheme string
	Addr   string // host:port, or a full URL for https
}

// ParseUpstream splits a configured server string like "udp://8.8.8.8:53",
// "tls://1.1.1.1:853", or "https://1.1.1.1/dns-query" into an Upstream.
// A bare "host:port" defaults to udp.
func ParseUpstream(s string) Upstream {
	if idx := strings.Index(s, "://"); idx >= 0 {
		return Upstream{Scheme: s[:idx], Addr: s[idx+3:]}
	}
	return Upstream{Scheme: "udp", Addr: s}
}

// Resolver looks up A/AAAA records against a configured set of upstreams,
// trying each in order until one answers.
type Resolver struct {
	upstreams []Upstream
	client    *dns.Client
	http      *http.Client
	cache     *cache
}

// New builds a Resolver from the raw server strings in config's DNS
// section. cacheSize <= 0 falls back to a reasonable default.
func New(servers []string, cacheSize int) (*Resolver, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("dnsresolver: at least one server is required")
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := newCache(cacheSize)
	if err != nil {
		return nil, err
	}
	upstreams := make([]Upstream, 0, len(servers))
	for _, s := range servers {
		upstreams = append(upstreams, ParseUpstream(s))
	}
	return &Resolver{
		upstreams: upstreams,
		client:    &dns.Client{Timeout: 5 * time.Second},
		http:      &http.Client{Timeout: 5 * time.Second},
		cache:     c,
	}, nil
}

// Resolve returns the first A or AAAA address for name, consulting the
// cache first and trying each upstream in order on a miss.
func (r *Resolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		return ip, nil
	}
	fqdn := dns.Fqdn(name)
	if ip, ok := r.cache.get(fqdn); ok {
		return ip, nil
	}

	var lastErr error
	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		for _, up := range r.upstreams {
			ip, ttl, err := r.exchange(ctx, up, fqdn, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			if ip == nil {
				continue
			}
			r.cache.set(fqdn, ip, ttl)
			return ip, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("dnsresolver: resolving %s: %w", name, lastErr)
	}
	return nil, fmt.Errorf("dnsresolver: no answer for %s", name)
}

func (r *Resolver) exchange(ctx context.Context, up Upstream, fqdn string, qtype uint16) (net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var reply *dns.Msg
	var err error
	switch up.Scheme {
	case "https":
		reply, err = r.exchangeDoH(ctx, up, msg)
	case "tls":
		client := &dns.Client{Net: "tcp-tls", Timeout: r.client.Timeout}
		reply, _, err = client.ExchangeContext(ctx, msg, up.Addr)
	case "tcp":
		client := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		reply, _, err = client.ExchangeContext(ctx, msg, up.Addr)
	default:
		reply, _, err = r.client.ExchangeContext(ctx, msg, up.Addr)
	}
	if err != nil {
		return nil, 0, err
	}
	return firstAddress(reply)
}

// exchangeDoH speaks RFC 8484 DNS-over-HTTPS: the wire-format query POSTed
// as application/dns-message, the wire-format reply read back the same way.
func (r *Resolver) exchangeDoH(ctx context.Context, up Upstream, msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	url := up.Addr
	if !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dnsresolver: doh status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, err
	}
	return reply, nil
}

func firstAddress(reply *dns.Msg) (net.IP, time.Duration, error) {
	if reply == nil {
		return nil, 0, nil
	}
	for _, rr := range reply.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A, time.Duration(rec.Hdr.Ttl) * time.Second, nil
		case *dns.AAAA:
			return rec.AAAA, time.Duration(rec.Hdr.Ttl) * time.Second, nil
		}
	}
	return nil, 0, nil
}
