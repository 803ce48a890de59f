package router

import (
	"net/netip"
	"testing"

	"proxykernel/internal/addr"
	"proxykernel/internal/session"
)

func mustIPSession(t *testing.T, ip string) *session.Session {
	t.Helper()
	a, err := addr.NewIP(netip.MustParseAddr(ip), 443)
	if err != nil {
		t.Fatal(err)
	}
	return &session.Session{Target: a, Network: addr.TCP}
}

func TestRouterLongestPrefixMatch(t *testing.T) {
	rules := []Rule{
		{Kind: KindIPCIDR, Pattern: "10.0.0.0/8", OutboundTag: "A"},
		{Kind: KindIPCIDR, Pattern: "10.0.0.0/16", OutboundTag: "B"},
		{Kind: KindIPCIDR, Pattern: "10.0.0.0/24", OutboundTag: "C"},
	}
	r, err := New(rules, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"10.0.0.5": "C",
		"10.0.1.5": "B",
		"10.1.0.5": "A",
	}
	for ip, want := range cases {
		got := r.Route(mustIPSession(t, ip))
		if got != want {
			t.Fatalf("Route(%s) = %q, want %q", ip, got, want)
		}
	}
}

func TestRouterEmptyRuleSetReturnsDefault(t *testing.T) {
	r, err := New(nil, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Route(mustIPSession(t, "1.2.3.4")); got != "default" {
		t.Fatalf("Route() = %q, want default", got)
	}
}

func TestRouterDomainSuffixAndFirstMatchAcrossKinds(t *testing.T) {
	rules := []Rule{
		{Kind: KindDomainSuffix, Pattern: "example.com", OutboundTag: "by-domain"},
		{Kind: KindDstPort, Pattern: "", PortLow: 443, PortHigh: 443, OutboundTag: "by-port"},
	}
	r, err := New(rules, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := addr.NewDomain("www.example.com", 443)
	s := &session.Session{Target: a, Network: addr.TCP}
	// domain-suffix rule was declared first (lower index), so it wins even
	// though the dst-port rule also matches.
	if got := r.Route(s); got != "by-domain" {
		t.Fatalf("Route() = %q, want by-domain", got)
	}
}

func TestRouterUnknownProviderFailsConstruction(t *testing.T) {
	rules := []Rule{{Kind: KindRuleSet, Pattern: "missing", OutboundTag: "x"}}
	if _, err := New(rules, "default", nil); err == nil {
		t.Fatal("expected error for missing rule-set provider")
	}
}

func TestRouterReloadInvalidatesCache(t *testing.T) {
	rules := []Rule{{Kind: KindDomainSuffix, Pattern: "example.com", OutboundTag: "A"}}
	r, err := New(rules, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := addr.NewDomain("example.com", 80)
	s := &session.Session{Target: a, Network: addr.TCP}
	if got := r.Route(s); got != "A" {
		t.Fatalf("Route() = %q, want A", got)
	}
	if err := r.Reload([]Rule{{Kind: KindDomainSuffix, Pattern: "example.com", OutboundTag: "B"}}, "default"); err != nil {
		t.Fatal(err)
	}
	if got := r.Route(s); got != "B" {
		t.Fatalf("Route() after reload = %q, want B", got)
	}
}
