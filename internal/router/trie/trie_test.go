package trie

import (
	"net/netip"
	"testing"
)

func TestDomainTrieLongestSuffix(t *testing.T) {
	dt := NewDomainTrie[string]()
	dt.InsertSuffix("example.com", "A")
	dt.InsertSuffix("www.example.com", "B")

	v, ok := dt.FindSuffix("www.example.com")
	if !ok || v != "B" {
		t.Fatalf("FindSuffix(www.example.com) = %q, %v; want B, true", v, ok)
	}
	v, ok = dt.FindSuffix("api.example.com")
	if !ok || v != "A" {
		t.Fatalf("FindSuffix(api.example.com) = %q, %v; want A, true", v, ok)
	}
	if _, ok = dt.FindSuffix("example.org"); ok {
		t.Fatal("unexpected match for example.org")
	}
}

func TestDomainTrieCaseInsensitive(t *testing.T) {
	dt := NewDomainTrie[string]()
	dt.InsertSuffix("Example.COM", "A")
	if v, ok := dt.FindSuffix("WWW.EXAMPLE.COM"); !ok || v != "A" {
		t.Fatalf("case-insensitive lookup failed: %q %v", v, ok)
	}
}

func TestDomainTrieFullAndKeyword(t *testing.T) {
	dt := NewDomainTrie[string]()
	dt.InsertFull("exact.example.com", "F")
	dt.InsertKeyword("ads", "K")

	if v, ok := dt.FindFull("exact.example.com"); !ok || v != "F" {
		t.Fatalf("full match failed: %q %v", v, ok)
	}
	if _, ok := dt.FindFull("other.example.com"); ok {
		t.Fatal("unexpected full match")
	}
	if v, ok := dt.FindKeyword("cdn.ads.example.com"); !ok || v != "K" {
		t.Fatalf("keyword match failed: %q %v", v, ok)
	}
}

func TestIPTrieLongestPrefixMatch(t *testing.T) {
	ipt := NewIPTrie[string]()
	ipt.Insert(netip.MustParsePrefix("10.0.0.0/8"), "A")
	ipt.Insert(netip.MustParsePrefix("10.0.0.0/16"), "B")
	ipt.Insert(netip.MustParsePrefix("10.0.0.0/24"), "C")

	cases := []struct {
		ip   string
		want string
	}{
		{"10.0.0.5", "C"},
		{"10.0.1.5", "B"},
		{"10.1.0.5", "A"},
	}
	for _, c := range cases {
		v, ok := ipt.LongestPrefixMatch(netip.MustParseAddr(c.ip))
		if !ok || v != c.want {
			t.Fatalf("LongestPrefixMatch(%s) = %q, %v; want %q", c.ip, v, ok, c.want)
		}
	}
	if _, ok := ipt.LongestPrefixMatch(netip.MustParseAddr("192.168.1.1")); ok {
		t.Fatal("unexpected match for unrelated IP")
	}
}

func TestIPTrieV6(t *testing.T) {
	ipt := NewIPTrie[string]()
	ipt.Insert(netip.MustParsePrefix("2001:db8::/32"), "A")
	v, ok := ipt.LongestPrefixMatch(netip.MustParseAddr("2001:db8::1"))
	if !ok || v != "A" {
		t.Fatalf("v6 match failed: %q %v", v, ok)
	}
}
