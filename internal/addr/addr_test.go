package addr

import (
	"net/netip"
	"testing"
)

func TestAddressStringIPv6Bracketed(t *testing.T) {
	ip := netip.MustParseAddr("2001:db8::1")
	a, err := NewIP(ip, 443)
	if err != nil {
		t.Fatalf("NewIP: %v", err)
	}
	if got, want := a.String(), "[2001:db8::1]:443"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestAddressStringDomain(t *testing.T) {
	a, err := NewDomain("example.com", 80)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	if got, want := a.String(), "example.com:80"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestNewDomainRejectsEmpty(t *testing.T) {
	if _, err := NewDomain("", 80); err == nil {
		t.Fatal("expected error for empty domain")
	}
}

func TestNewIPRejectsZeroPort(t *testing.T) {
	ip := netip.MustParseAddr("127.0.0.1")
	if _, err := NewIP(ip, 0); err == nil {
		t.Fatal("expected error for zero port")
	}
}

func TestWithHostPreservesPort(t *testing.T) {
	a, _ := NewDomain("1.2.3.4", 443)
	rewritten := a.WithHost("example.com")
	if rewritten.Port != 443 {
		t.Fatalf("port changed: %d", rewritten.Port)
	}
	if rewritten.Host() != "example.com" {
		t.Fatalf("host not rewritten: %s", rewritten.Host())
	}
}
