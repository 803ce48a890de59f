package ruleprovider

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"proxykernel/internal/router"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProviderPlainDomainBehavior(t *testing.T) {
	path := writeTemp(t, "domains.txt", "DOMAIN-SUFFIX,example.com\nDOMAIN,exact.test\n# comment\n")
	p, err := New(Config{Name: "ads", Kind: KindFile, Behavior: router.BehaviorDomain, Path: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.MatchDomain("www.example.com") {
		t.Fatal("expected suffix match")
	}
	if !p.MatchDomain("exact.test") {
		t.Fatal("expected full match")
	}
	if p.MatchDomain("other.test") {
		t.Fatal("unexpected match")
	}
}

func TestProviderPlainIPBehavior(t *testing.T) {
	path := writeTemp(t, "ips.txt", "IP-CIDR,10.0.0.0/8\n")
	p, err := New(Config{Name: "cn", Kind: KindFile, Behavior: router.BehaviorIPCIDR, Path: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.MatchIP(netip.MustParseAddr("10.1.2.3")) {
		t.Fatal("expected prefix match")
	}
	if p.MatchIP(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("unexpected match")
	}
}

func TestProviderClashYAMLPayload(t *testing.T) {
	contents := "payload:\n  - DOMAIN-SUFFIX,example.org\n  - '+.example.net'\n  - 1.2.3.0/24\n"
	path := writeTemp(t, "clash.yaml", contents)
	p, err := New(Config{Name: "clash", Kind: KindFile, Behavior: router.BehaviorClassical, Path: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.MatchClassical(router.ClassicalView{Host: "a.example.org"}) {
		t.Fatal("expected DOMAIN-SUFFIX match")
	}
	if !p.MatchClassical(router.ClassicalView{Host: "x.example.net"}) {
		t.Fatal("expected +.domain wildcard match")
	}
	if !p.MatchClassical(router.ClassicalView{IP: netip.MustParseAddr("1.2.3.4"), HasIP: true}) {
		t.Fatal("expected IP-CIDR match")
	}
}

func TestProviderMalformedSRSFailsConstruction(t *testing.T) {
	path := writeTemp(t, "bad.srs", "not an srs payload")
	_, err := New(Config{Name: "bad", Kind: KindFile, Behavior: router.BehaviorDomain, Path: path}, nil, nil)
	if err == nil {
		t.Fatal("expected error for malformed SRS payload")
	}
}

func TestProviderRefreshSwapsDataAtomically(t *testing.T) {
	path := writeTemp(t, "domains.txt", "DOMAIN-SUFFIX,old.test\n")
	p, err := New(Config{Name: "r", Kind: KindFile, Behavior: router.BehaviorDomain, Path: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.MatchDomain("old.test") {
		t.Fatal("expected initial match")
	}
	if err := os.WriteFile(path, []byte("DOMAIN-SUFFIX,new.test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.MatchDomain("old.test") {
		t.Fatal("stale data after refresh")
	}
	if !p.MatchDomain("new.test") {
		t.Fatal("expected refreshed match")
	}
}
