package dnsresolver

import (
	"fmt"
	"net/netip"
	"sync"
)

// FakeIPPool hands out addresses from a private CIDR for domains the
// router needs to classify before the real address is resolved: an inbound
// sees a fake-IP session target, the router matches rules against the
// domain recovered from the pool, and the real lookup happens lazily when
// an outbound dials — the split-routing behavior spec §4.2 describes.
type FakeIPPool struct {
	mu       sync.Mutex
	base     netip.Addr
	bits     int
	next     netip.Addr
	byIP     map[netip.Addr]string
	byDomain map[string]netip.Addr
}

// NewFakeIPPool builds a pool over cidr, e.g. "198.18.0.0/15" (the range
// most fake-IP implementations default to, since it's reserved for
// benchmarking and essentially never routable).
func NewFakeIPPool(cidr string) (*FakeIPPool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("dnsresolver: invalid fake_ip_cidr %q: %w", cidr, err)
	}
	base := prefix.Masked().Addr()
	return &FakeIPPool{
		base:     base,
		bits:     prefix.Bits(),
		next:     nextAddr(base),
		byIP:     make(map[netip.Addr]string),
		byDomain: make(map[string]netip.Addr),
	}, nil
}

// Allocate returns the fake IP for domain, assigning a fresh one from the
// pool on first use and reusing it on every subsequent lookup.
func (p *FakeIPPool) Allocate(domain string) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ip, ok := p.byDomain[domain]; ok {
		return ip, nil
	}
	prefix := netip.PrefixFrom(p.base, p.bits)
	if !prefix.Contains(p.next) {
		return netip.Addr{}, fmt.Errorf("dnsresolver: fake-ip pool %s exhausted", prefix)
	}
	ip := p.next
	p.next = nextAddr(p.next)
	p.byIP[ip] = domain
	p.byDomain[domain] = ip
	return ip, nil
}

// Lookup reverses a fake IP back to the domain it was allocated for, ok is
// false for an address this pool never handed out.
func (p *FakeIPPool) Lookup(ip netip.Addr) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	domain, ok := p.byIP[ip]
	return domain, ok
}

// Contains reports whether ip falls inside the pool's configured range.
func (p *FakeIPPool) Contains(ip netip.Addr) bool {
	return netip.PrefixFrom(p.base, p.bits).Contains(ip)
}

func nextAddr(a netip.Addr) netip.Addr {
	b := a.As4()
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			break
		}
	}
	return netip.AddrFrom4(b)
}
